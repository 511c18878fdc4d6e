// Package scan runs uploads through the clamscan command line scanner.
package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
)

const (
	defaultBinary  = "clamscan"
	defaultTimeout = 15 * time.Minute
	// exitInfected is clamscan's exit status when a signature matched.
	exitInfected = 1
	tailBytes    = 400
)

// Options configures the scanner.
type Options struct {
	Binary  string
	Timeout time.Duration
	Logger  *zap.Logger
}

// ClamScanner implements climate.Scanner with a clamscan subprocess.
type ClamScanner struct {
	binary  string
	timeout time.Duration
	logger  *zap.Logger
}

// New returns a ClamScanner. The binary is resolved on every scan so a
// scanner installed after startup is picked up.
func New(opts Options) *ClamScanner {
	binary := opts.Binary
	if binary == "" {
		binary = defaultBinary
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ClamScanner{binary: binary, timeout: timeout, logger: logging.OrNop(opts.Logger).Named("scan")}
}

// Available reports whether the scanner binary can be found.
func (s *ClamScanner) Available() bool {
	_, err := exec.LookPath(s.binary)
	return err == nil
}

// Scan pipes data through clamscan's stdin mode.
func (s *ClamScanner) Scan(ctx context.Context, data []byte) (climate.ScanVerdict, error) {
	return s.run(ctx, bytes.NewReader(data), "--no-summary", "-")
}

// ScanPath scans a file or directory tree.
func (s *ClamScanner) ScanPath(ctx context.Context, path string) (climate.ScanVerdict, error) {
	return s.run(ctx, nil, "--no-summary", "-r", path)
}

func (s *ClamScanner) run(ctx context.Context, stdin io.Reader, args ...string) (climate.ScanVerdict, error) {
	bin, err := exec.LookPath(s.binary)
	if err != nil {
		return climate.ScanUnavailable, climate.Wrap(climate.KindScannerUnavailable, err,
			"clamscan is not installed on the server.")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = stdin
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)
	if err == nil {
		s.logger.Debug("scan clean", zap.Duration("elapsed", elapsed))
		return climate.ScanClean, nil
	}
	if ctx.Err() != nil {
		return climate.ScanUnavailable, climate.Wrap(climate.KindScannerUnavailable,
			fmt.Errorf("clamscan aborted after %s: %w", elapsed, ctx.Err()), "")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == exitInfected {
			s.logger.Warn("malware detected", zap.String("report", tail(out.String())))
			return climate.ScanInfected, nil
		}
		return climate.ScanUnavailable, climate.Wrap(climate.KindScannerUnavailable,
			fmt.Errorf("clamscan exit %d: %s", exitErr.ExitCode(), tail(out.String())), "")
	}
	return climate.ScanUnavailable, climate.Wrap(climate.KindScannerUnavailable,
		fmt.Errorf("run clamscan: %w", err), "")
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > tailBytes {
		return s[len(s)-tailBytes:]
	}
	return s
}

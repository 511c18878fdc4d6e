// Package publisher announces committed runs to downstream consumers.
package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
)

// EventRunCompleted names the event published for every committed run.
const EventRunCompleted = "run.completed"

// RunCompleted is the notification payload.
type RunCompleted struct {
	Event        string               `json:"event"`
	RunID        string               `json:"run_id"`
	Fingerprint  climate.Fingerprint  `json:"fingerprint"`
	Lang         climate.Lang         `json:"lang"`
	CreatedAt    time.Time            `json:"created_at"`
	BundleURL    string               `json:"zipUrl"`
	BundleSHA256 string               `json:"bundle_sha256,omitempty"`
	MirrorURI    string               `json:"mirror_uri,omitempty"`
	Outputs      []string             `json:"outputs"`
	Gaps         []climate.ArchiveKey `json:"gaps,omitempty"`
}

// NewRunCompleted builds the payload for run.
func NewRunCompleted(run climate.Run) RunCompleted {
	outputs := make([]string, 0, len(run.Outputs))
	for _, o := range run.Outputs {
		outputs = append(outputs, o.Name)
	}
	return RunCompleted{
		Event:        EventRunCompleted,
		RunID:        run.ID,
		Fingerprint:  run.Fingerprint,
		Lang:         run.Lang,
		CreatedAt:    run.CreatedAt,
		BundleURL:    run.BundleURL,
		BundleSHA256: run.BundleSHA256,
		MirrorURI:    run.MirrorURI,
		Outputs:      outputs,
		Gaps:         run.Gaps,
	}
}

// Attributes are attached to transports that support message metadata.
func (e RunCompleted) Attributes() map[string]string {
	return map[string]string{"event": e.Event, "run_id": e.RunID}
}

// Notifier publishes run events without failing the job that produced them.
type Notifier struct {
	pub    climate.Publisher
	topic  string
	logger *zap.Logger
}

// NewNotifier wraps pub. A nil pub disables notifications.
func NewNotifier(pub climate.Publisher, topic string, logger *zap.Logger) *Notifier {
	return &Notifier{pub: pub, topic: topic, logger: logging.OrNop(logger).Named("publisher")}
}

// RunCompleted announces run and returns the message id, if any.
func (n *Notifier) RunCompleted(ctx context.Context, run climate.Run) string {
	if n == nil || n.pub == nil {
		return ""
	}
	id, err := n.pub.Publish(ctx, n.topic, NewRunCompleted(run))
	if err != nil {
		n.logger.Warn("failed to publish run notification", zap.String("run_id", run.ID), zap.Error(err))
		return ""
	}
	n.logger.Debug("run notification published", zap.String("run_id", run.ID), zap.String("message_id", id))
	return id
}

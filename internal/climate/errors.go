package climate

import (
	"errors"
	"fmt"
)

// Category groups error kinds by who can act on them.
type Category string

// Error categories.
const (
	CategoryInput       Category = "input"
	CategoryAdmission   Category = "admission"
	CategoryAcquisition Category = "acquisition"
	CategoryLookup      Category = "lookup"
	CategoryInternal    Category = "internal"
)

// Kind is a machine readable failure class.
type Kind string

// Error kinds.
const (
	KindUnsupportedFormat     Kind = "UnsupportedFormat"
	KindMissingProjection     Kind = "MissingProjection"
	KindTooManyFeatures       Kind = "TooManyFeatures"
	KindTooManyVertices       Kind = "TooManyVertices"
	KindEmptyGeometry         Kind = "EmptyGeometry"
	KindOutsideCoverage       Kind = "OutsideCoverage"
	KindMalwareDetected       Kind = "MalwareDetected"
	KindArchiveBombSuspected  Kind = "ArchiveBombSuspected"
	KindUploadTooLarge        Kind = "UploadTooLarge"
	KindInvalidRequest        Kind = "InvalidRequest"
	KindRateLimited           Kind = "RateLimited"
	KindJobAlreadyRunning     Kind = "JobAlreadyRunning"
	KindInsufficientDiskSpace Kind = "InsufficientDiskSpace"
	KindDownloadFailed        Kind = "DownloadFailed"
	KindDecodeFailed          Kind = "DecodeFailed"
	KindNotFound              Kind = "NotFound"
	KindScannerUnavailable    Kind = "ScannerUnavailable"
	KindInternal              Kind = "Internal"
)

// Category returns the group a kind belongs to.
func (k Kind) Category() Category {
	switch k {
	case KindUnsupportedFormat, KindMissingProjection, KindTooManyFeatures, KindTooManyVertices,
		KindEmptyGeometry, KindOutsideCoverage, KindMalwareDetected, KindArchiveBombSuspected,
		KindUploadTooLarge, KindInvalidRequest:
		return CategoryInput
	case KindRateLimited, KindJobAlreadyRunning, KindInsufficientDiskSpace:
		return CategoryAdmission
	case KindDownloadFailed, KindDecodeFailed:
		return CategoryAcquisition
	case KindNotFound:
		return CategoryLookup
	default:
		return CategoryInternal
	}
}

var defaultMessages = map[Kind]string{
	KindUnsupportedFormat:     "Unsupported file format.",
	KindMissingProjection:     "The geometry has no usable coordinate reference system.",
	KindTooManyFeatures:       "The upload contains too many features.",
	KindTooManyVertices:       "The geometry has too many vertices.",
	KindEmptyGeometry:         "The upload contains no polygon geometry.",
	KindOutsideCoverage:       "The geometry lies outside the data coverage.",
	KindMalwareDetected:       "The upload was rejected by the malware scanner.",
	KindArchiveBombSuspected:  "The archive exceeds the extraction limits.",
	KindUploadTooLarge:        "The upload is too large.",
	KindInvalidRequest:        "Invalid request.",
	KindRateLimited:           "Too many requests. Please retry later.",
	KindJobAlreadyRunning:     "Analyzer is busy with the same area. Please retry later.",
	KindInsufficientDiskSpace: "Insufficient disk space. Please retry later.",
	KindDownloadFailed:        "Climate data could not be downloaded.",
	KindDecodeFailed:          "Climate data could not be decoded.",
	KindNotFound:              "Not found.",
	KindScannerUnavailable:    "Upload scanning is unavailable.",
	KindInternal:              "Internal server error.",
}

// Error is the typed failure returned across module boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Sentinels usable with errors.Is. Only the kind is compared.
var (
	ErrUnsupportedFormat     = &Error{Kind: KindUnsupportedFormat}
	ErrMissingProjection     = &Error{Kind: KindMissingProjection}
	ErrTooManyFeatures       = &Error{Kind: KindTooManyFeatures}
	ErrTooManyVertices       = &Error{Kind: KindTooManyVertices}
	ErrEmptyGeometry         = &Error{Kind: KindEmptyGeometry}
	ErrOutsideCoverage       = &Error{Kind: KindOutsideCoverage}
	ErrMalwareDetected       = &Error{Kind: KindMalwareDetected}
	ErrArchiveBombSuspected  = &Error{Kind: KindArchiveBombSuspected}
	ErrUploadTooLarge        = &Error{Kind: KindUploadTooLarge}
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrRateLimited           = &Error{Kind: KindRateLimited}
	ErrJobAlreadyRunning     = &Error{Kind: KindJobAlreadyRunning}
	ErrInsufficientDiskSpace = &Error{Kind: KindInsufficientDiskSpace}
	ErrDownloadFailed        = &Error{Kind: KindDownloadFailed}
	ErrDecodeFailed          = &Error{Kind: KindDecodeFailed}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrScannerUnavailable    = &Error{Kind: KindScannerUnavailable}
)

// Errorf builds an Error with a formatted, caller facing message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = defaultMessages[e.Kind]
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the text that may be shown to a caller.
// Internal failures never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return defaultMessages[KindInternal]
	}
	if e.Kind == KindScannerUnavailable {
		return defaultMessages[KindScannerUnavailable]
	}
	if e.Kind.Category() == CategoryInternal {
		return defaultMessages[KindInternal]
	}
	if e.Message != "" {
		return e.Message
	}
	return defaultMessages[e.Kind]
}

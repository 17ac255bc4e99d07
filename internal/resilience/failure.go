package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind tags a failure with the category the classifier keys on.
type Kind string

// Failure kinds understood by the default classifier.
const (
	KindUnknown         Kind = "unknown"
	KindNavigation      Kind = "navigation"
	KindExtraction      Kind = "extraction"
	KindRateSignal      Kind = "rate_signal"
	KindRejected        Kind = "rejected"
	KindValidation      Kind = "validation"
	KindInvalidArgument Kind = "invalid_argument"
	KindInvalidType     Kind = "invalid_type"
	KindConfiguration   Kind = "configuration"
	KindCanceled        Kind = "canceled"
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindUnknown, KindNavigation, KindExtraction, KindRateSignal, KindRejected,
		KindValidation, KindInvalidArgument, KindInvalidType, KindConfiguration, KindCanceled:
		return k, nil
	default:
		return "", fmt.Errorf("unknown failure kind %q", s)
	}
}

// Failure attaches a Kind to an underlying error.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Tag wraps err with kind. A nil err stays nil.
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: kind, Err: err}
}

// Tagf builds a tagged error from a format string.
func Tagf(kind Kind, format string, args ...any) error {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Navigation marks err as a transient navigation or network failure.
func Navigation(err error) error { return Tag(KindNavigation, err) }

// Extraction marks err as a missing-element failure during extraction.
func Extraction(err error) error { return Tag(KindExtraction, err) }

// RateSignal marks err as a throttling signal from the remote target.
func RateSignal(err error) error { return Tag(KindRateSignal, err) }

// Validation marks err as malformed input. Validation failures are never retried.
func Validation(err error) error { return Tag(KindValidation, err) }

// KindOf reports the failure kind carried by err.
//
// Explicit tags win. Untagged context and network errors are inferred, and
// anything else is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return KindConfiguration
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNavigation
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNavigation
	}
	return KindUnknown
}

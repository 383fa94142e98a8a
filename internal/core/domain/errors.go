package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrStageNotFound = errors.New("stage not found")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrStageConflict marks a conditional stage update that lost its race:
	// the stage was already claimed or finished by another delivery.
	ErrStageConflict = errors.New("stage state conflict")

	// Transient failures: the message is nacked and redelivered.
	ErrTemporary         = errors.New("temporary failure")
	ErrResourceExhausted = errors.New("resource exhausted")

	// Permanent domain failures: retrying cannot fix these, the stage is
	// failed immediately and the message acked.
	ErrUnsupportedFormat       = errors.New("unsupported document format")
	ErrCorruptDocument         = errors.New("corrupt document")
	ErrInsufficientFeatures    = errors.New("insufficient matched features")
	ErrAlignmentBelowThreshold = errors.New("alignment below threshold")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsTransient reports whether the error should lead to a nack/redelivery
// rather than failing the stage outright.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTemporary) || errors.Is(err, ErrResourceExhausted)
}

// IsPermanent reports whether retrying cannot change the outcome. The stage
// has already been terminally failed by the time such an error reaches the
// queue consumer, so the delivery is acked.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrCorruptDocument) ||
		errors.Is(err, ErrInsufficientFeatures) ||
		errors.Is(err, ErrAlignmentBelowThreshold) ||
		errors.Is(err, ErrInvalidInput)
}

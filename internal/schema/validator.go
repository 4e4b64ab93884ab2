// Package schema validates transcript records before they leave the service.
package schema

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"transcript-relay-service/internal/models"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidSource    = errors.New("invalid source")
	ErrEmptyText        = errors.New("empty transcript text")
	ErrMissingSession   = errors.New("missing session id")
	ErrBadConfidence    = errors.New("confidence is not a finite number")
	ErrFinalityMismatch = errors.New("event type does not match finality")
)

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks a transcript record. Confidence values outside [0,1] are
// accepted as the backend reported them; only NaN and Inf are rejected.
func (v *Validator) Validate(rec models.TranscriptRecord) error {
	switch rec.EventType {
	case models.EventTypeFinal:
		if !rec.IsFinal {
			return ErrFinalityMismatch
		}
	case models.EventTypePartial:
		if rec.IsFinal {
			return ErrFinalityMismatch
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, rec.EventType)
	}
	if !rec.Source.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSource, rec.Source)
	}
	if rec.SessionID == "" {
		return ErrMissingSession
	}
	if strings.TrimSpace(rec.Text) == "" {
		return ErrEmptyText
	}
	if math.IsNaN(rec.Confidence) || math.IsInf(rec.Confidence, 0) {
		return ErrBadConfidence
	}
	return nil
}

package drop

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAttachment indicates a missing or undownloadable drop image.
	ErrAttachment = errors.New("drop attachment unavailable")
	// ErrDecode indicates bytes that are not a supported image.
	ErrDecode = errors.New("drop image decode failed")
)

// SlotError is the failure of one card slot.
type SlotError struct {
	Slot int
	Err  error
}

func (e SlotError) Error() string { return fmt.Sprintf("slot %d: %v", e.Slot, e.Err) }

func (e SlotError) Unwrap() error { return e.Err }

// BatchError reports every failed slot of a drop. When it is returned no card
// of the drop is returned.
type BatchError struct {
	DropID string
	Total  int
	Slots  []SlotError
}

func (e *BatchError) Error() string {
	parts := make([]string, len(e.Slots))
	for i, s := range e.Slots {
		parts[i] = s.Error()
	}
	return fmt.Sprintf("drop %s: %d of %d slots failed: %s", e.DropID, len(e.Slots), e.Total, strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	out := make([]error, len(e.Slots))
	for i, s := range e.Slots {
		out[i] = s
	}
	return out
}

package farm

import (
	"errors"
	"fmt"

	"darkfarm.ai/internal/protocol"
	"darkfarm.ai/internal/sim/process"
)

var (
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrSlotBusy              = process.ErrSlotBusy
	ErrNotReady              = process.ErrNotReady
	ErrInvalidQuantity       = process.ErrInvalidQuantity

	ErrUnknownItem  = errors.New("unknown item")
	ErrNoSuchSlot   = errors.New("no such slot")
	ErrNotRunning   = errors.New("not running")
	ErrLocked       = errors.New("locked")
	ErrAlreadyOwned = errors.New("already owned")
	ErrPlotLimit    = errors.New("plot limit reached")
)

// ActionError carries a player-facing message for a rejected action. It
// unwraps to one of the sentinel errors above.
type ActionError struct {
	Err     error
	Message string
}

func (e *ActionError) Error() string { return e.Message }
func (e *ActionError) Unwrap() error { return e.Err }

func fail(err error, format string, args ...any) error {
	return &ActionError{Err: err, Message: fmt.Sprintf(format, args...)}
}

// Code maps an action error to its protocol code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientResources):
		return protocol.ErrNoResource
	case errors.Is(err, ErrSlotBusy):
		return protocol.ErrSlotBusy
	case errors.Is(err, ErrNotReady):
		return protocol.ErrNotReady
	case errors.Is(err, ErrInvalidQuantity):
		return protocol.ErrInvalidQuantity
	case errors.Is(err, ErrUnknownItem), errors.Is(err, ErrNoSuchSlot), errors.Is(err, ErrNotRunning):
		return protocol.ErrInvalidTarget
	case errors.Is(err, ErrLocked):
		return protocol.ErrLocked
	case errors.Is(err, ErrAlreadyOwned), errors.Is(err, ErrPlotLimit):
		return protocol.ErrConflict
	default:
		return protocol.ErrInternal
	}
}

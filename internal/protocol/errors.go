package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Runtime.
	ErrWorldBusy    = "E_WORLD_BUSY"
	ErrWorldStopped = "E_WORLD_STOPPED"

	// Action layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrNoResource      = "E_NO_RESOURCE"
	ErrSlotBusy        = "E_SLOT_BUSY"
	ErrNotReady        = "E_NOT_READY"
	ErrInvalidQuantity = "E_INVALID_QUANTITY"
	ErrInvalidTarget   = "E_INVALID_TARGET"
	ErrLocked          = "E_LOCKED"
	ErrConflict        = "E_CONFLICT"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrWorldBusy:       {},
	ErrWorldStopped:    {},
	ErrBadRequest:      {},
	ErrNoResource:      {},
	ErrSlotBusy:        {},
	ErrNotReady:        {},
	ErrInvalidQuantity: {},
	ErrInvalidTarget:   {},
	ErrLocked:          {},
	ErrConflict:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

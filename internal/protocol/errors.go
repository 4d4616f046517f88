package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Session routing.
	ErrSessionFull     = "E_SESSION_FULL"
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"
	ErrBadToken        = "E_BAD_TOKEN"

	// Command layer. A same-tick grab race loses silently; every other
	// failure travels back to the requester in a directed REJECT.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrUnknownKey    = "E_UNKNOWN_KEY"
	ErrNotHoldable   = "E_NOT_HOLDABLE"
	ErrNotUsable     = "E_NOT_USABLE"
	ErrInventoryFull = "E_INVENTORY_FULL"
	ErrNotHolder     = "E_NOT_HOLDER"
	ErrConflict      = "E_CONFLICT"
	ErrSpoof         = "E_SPOOF"
	ErrRateLimit     = "E_RATE_LIMIT"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrSessionFull:     {},
	ErrSessionNotFound: {},
	ErrBadToken:        {},
	ErrBadRequest:      {},
	ErrUnknownKey:      {},
	ErrNotHoldable:     {},
	ErrNotUsable:       {},
	ErrInventoryFull:   {},
	ErrNotHolder:       {},
	ErrConflict:        {},
	ErrSpoof:           {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

package protocol

const (
	// ErrGeneric is the marker carried by a Reply whose handler failed.
	ErrGeneric = "Error"

	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoSchema     = "E_PROTO_SCHEMA"

	// Call layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNoHandler  = "E_NO_HANDLER"
	ErrTimeout    = "E_TIMEOUT"
	ErrClosed     = "E_CLOSED"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrGeneric:         {},
	ErrProtoBadRequest: {},
	ErrProtoSchema:     {},
	ErrBadRequest:      {},
	ErrNoHandler:       {},
	ErrTimeout:         {},
	ErrClosed:          {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

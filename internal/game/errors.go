package game

import "errors"

var (
	ErrInvalidParameter          = errors.New("invalid parameter")
	ErrSessionNotFound           = errors.New("session not found")
	ErrInvalidState              = errors.New("invalid state for action")
	ErrTransformationUnavailable = errors.New("transformation unavailable")
	ErrProtocol                  = errors.New("protocol error")
	ErrInsufficientData          = errors.New("insufficient data for scoring")
	// ErrOracleDegraded is only ever attached to a ScoreResult as a warning.
	ErrOracleDegraded = errors.New("similarity oracle degraded")
)

// Code maps err to a stable identifier for transports.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrProtocol):
		return "protocol_error"
	case errors.Is(err, ErrTransformationUnavailable):
		return "transformation_unavailable"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrOracleDegraded):
		return "oracle_degraded"
	default:
		return "internal"
	}
}

package protocol

import "errors"

// Wire-visible error codes. Carried in the errorCode field of server→client
// frames and in route envelopes between servers.
const (
	CodeSuccess              uint16 = 0
	CodeFrameFormat          uint16 = 1
	CodeConnectionFailed     uint16 = 2
	CodeConnectionClosed     uint16 = 3
	CodeHeartbeatTimeout     uint16 = 4
	CodeRequestTimeout       uint16 = 5
	CodeBackpressure         uint16 = 6
	CodeStageAlreadyExists   uint16 = 10
	CodeStageNotFound        uint16 = 11
	CodeStageCreationFailed  uint16 = 12
	CodeAuthenticationFailed uint16 = 20
	CodeAccountIDNotSet      uint16 = 21
	CodeJoinStageFailed      uint16 = 22
	CodeActorNotFound        uint16 = 23
	CodeUncheckedContents    uint16 = 30
	CodeInternalError        uint16 = 31
)

// Sentinel errors for the same taxonomy, used on code paths that do not cross
// the wire. Wrap with fmt.Errorf("...: %w", err) to add context.
var (
	ErrFrameFormat          = errors.New("frame format error")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrHeartbeatTimeout     = errors.New("heartbeat timeout")
	ErrRequestTimeout       = errors.New("request timeout")
	ErrBackpressure         = errors.New("peer queue full")
	ErrStageNotFound        = errors.New("stage not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInternal             = errors.New("internal error")
)

// CodedError pairs an error code with a message so callers can surface the
// exact wire code to the peer.
type CodedError struct {
	Code uint16
	Msg  string
}

func (e *CodedError) Error() string { return e.Msg }

// NewCodedError builds a CodedError.
func NewCodedError(code uint16, msg string) *CodedError {
	return &CodedError{Code: code, Msg: msg}
}

// CodeOf extracts the wire code for err. Unknown errors map to CodeInternalError.
func CodeOf(err error) uint16 {
	if err == nil {
		return CodeSuccess
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrFrameFormat):
		return CodeFrameFormat
	case errors.Is(err, ErrConnectionFailed):
		return CodeConnectionFailed
	case errors.Is(err, ErrConnectionClosed):
		return CodeConnectionClosed
	case errors.Is(err, ErrHeartbeatTimeout):
		return CodeHeartbeatTimeout
	case errors.Is(err, ErrRequestTimeout):
		return CodeRequestTimeout
	case errors.Is(err, ErrBackpressure):
		return CodeBackpressure
	case errors.Is(err, ErrStageNotFound):
		return CodeStageNotFound
	case errors.Is(err, ErrAuthenticationFailed):
		return CodeAuthenticationFailed
	}
	return CodeInternalError
}

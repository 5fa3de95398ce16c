package protocol

// ProtocolVersion identifies the wire frame grammar this package implements.
const ProtocolVersion = 1

// Frame type discriminators.
const (
	FrameReq   = "req"
	FrameRes   = "res"
	FrameEvent = "event"
)

// Error codes, a closed enum per the frame grammar.
const (
	ErrInvalidFrame    = "INVALID_FRAME"
	ErrUnknownMethod   = "UNKNOWN_METHOD"
	ErrMissingParams   = "MISSING_PARAMS"
	ErrAuthRequired    = "AUTH_REQUIRED"
	ErrAuthInvalid     = "AUTH_INVALID"
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrJobNotFound     = "JOB_NOT_FOUND"
	ErrAgentBusy       = "AGENT_BUSY"
	ErrRateLimited     = "RATE_LIMITED"
	ErrInternal        = "INTERNAL_ERROR"
)

// ReqFrame is a client -> server frame invoking a method.
type ReqFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  RawParams       `json:"params,omitempty"`
}

// RawParams defers decoding of method parameters until the handler is known.
type RawParams = []byte

// ErrorObject is the error shape carried by a failed ResFrame.
type ErrorObject struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ResFrame is a server -> client frame answering one ReqFrame.
type ResFrame struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	OK      bool         `json:"ok"`
	Payload interface{}  `json:"payload,omitempty"`
	Error   *ErrorObject `json:"error,omitempty"`
}

// EventFrame is a server -> client unsolicited broadcast.
type EventFrame struct {
	Type         string      `json:"type"`
	Event        string      `json:"event"`
	Payload      interface{} `json:"payload,omitempty"`
	Seq          uint64      `json:"seq"`
	StateVersion string      `json:"stateVersion,omitempty"`
}

// NewEvent builds an EventFrame with a zero seq; the gateway stamps the real
// sequence number right before handing it to a client's send queue.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: name, Payload: payload}
}

// NewOK builds a successful ResFrame.
func NewOK(id string, payload interface{}) *ResFrame {
	return &ResFrame{Type: FrameRes, ID: id, OK: true, Payload: payload}
}

// NewError builds a failed ResFrame.
func NewError(id, code, message string) *ResFrame {
	return &ResFrame{Type: FrameRes, ID: id, OK: false, Error: &ErrorObject{Code: code, Message: message}}
}

// Package proto defines the JSON wire format of the action dispatch channel
// between the gateway and the local execution agent.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind is the type discriminator carried by every channel message.
type Kind string

const (
	// KindActionRequest asks the agent to execute a named action (server → client).
	KindActionRequest Kind = "action_request"
	// KindActionResponse carries the outcome of an action request (client → server).
	KindActionResponse Kind = "action_response"
	// KindControl toggles the agent's emergency-stop latch (server → client).
	KindControl Kind = "control"
	// KindPing is the server-side keepalive probe.
	KindPing Kind = "ping"
	// KindPong is the client's keepalive reply.
	KindPong Kind = "pong"
)

// ControlKind selects the control operation.
type ControlKind string

const (
	// ControlEmergencyStop sets the agent's emergency-stop latch.
	ControlEmergencyStop ControlKind = "emergency_stop"
	// ControlResume clears the agent's emergency-stop latch.
	ControlResume ControlKind = "resume"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ActionRequest asks the agent to run one registered action with fixed params.
type ActionRequest struct {
	RequestID string         `json:"request_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Confirmed bool           `json:"confirmed,omitempty"`
}

// ActionResult is the handler contract: a non-zero returncode is a result,
// not an error.
type ActionResult struct {
	Returncode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// ActionResponse answers exactly one ActionRequest, correlated by RequestID.
type ActionResponse struct {
	RequestID string        `json:"request_id"`
	Status    string        `json:"status"`
	Action    string        `json:"action,omitempty"`
	Result    *ActionResult `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Control toggles agent-side latches.
type Control struct {
	Kind ControlKind `json:"kind"`
}

// Message is the channel envelope. Exactly one of the pointer fields is set
// for the kind it belongs to; ping and pong carry only the discriminator.
// On the wire the payload fields sit flat beside the type discriminator
// (request_id, action, params, ... at the top level); the typed payload
// structs exist only in memory.
type Message struct {
	Type      Kind            `json:"-"`
	Timestamp time.Time       `json:"-"`
	Request   *ActionRequest  `json:"-"`
	Response  *ActionResponse `json:"-"`
	Control   *Control        `json:"-"`
}

// wireMessage is the flat JSON layout shared by every message kind. The
// request_id and action keys are reused by requests and responses; at most
// one payload is populated per message so the fields cannot collide.
type wireMessage struct {
	Type      Kind           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Confirmed bool           `json:"confirmed,omitempty"`
	Status    string         `json:"status,omitempty"`
	Result    *ActionResult  `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Kind      ControlKind    `json:"kind,omitempty"`
}

// MarshalJSON flattens the active payload into the wire layout.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{Type: m.Type, Timestamp: m.Timestamp}
	switch {
	case m.Request != nil:
		w.RequestID = m.Request.RequestID
		w.Action = m.Request.Action
		w.Params = m.Request.Params
		w.Confirmed = m.Request.Confirmed
	case m.Response != nil:
		w.RequestID = m.Response.RequestID
		w.Status = m.Response.Status
		w.Action = m.Response.Action
		w.Result = m.Response.Result
		w.Error = m.Response.Error
	case m.Control != nil:
		w.Kind = m.Control.Kind
	}
	return json.Marshal(w)
}

// UnmarshalJSON reconstitutes the typed payload matching the discriminator.
// Unknown discriminators keep all payload pointers nil; Validate rejects them.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	m.Type = w.Type
	m.Timestamp = w.Timestamp
	m.Request, m.Response, m.Control = nil, nil, nil
	switch w.Type {
	case KindActionRequest:
		m.Request = &ActionRequest{
			RequestID: w.RequestID,
			Action:    w.Action,
			Params:    w.Params,
			Confirmed: w.Confirmed,
		}
	case KindActionResponse:
		m.Response = &ActionResponse{
			RequestID: w.RequestID,
			Status:    w.Status,
			Action:    w.Action,
			Result:    w.Result,
			Error:     w.Error,
		}
	case KindControl:
		m.Control = &Control{Kind: w.Kind}
	}
	return nil
}

// NewActionRequest builds an action_request message with a fresh request ID.
func NewActionRequest(action string, params map[string]any, confirmed bool) *Message {
	if params == nil {
		params = make(map[string]any)
	}
	return &Message{
		Type:      KindActionRequest,
		Timestamp: time.Now().UTC(),
		Request: &ActionRequest{
			RequestID: GenerateRequestID(),
			Action:    action,
			Params:    params,
			Confirmed: confirmed,
		},
	}
}

// NewActionResponse builds a successful action_response for the given request.
func NewActionResponse(requestID, action string, result *ActionResult) *Message {
	return &Message{
		Type:      KindActionResponse,
		Timestamp: time.Now().UTC(),
		Response: &ActionResponse{
			RequestID: requestID,
			Status:    StatusOK,
			Action:    action,
			Result:    result,
		},
	}
}

// NewErrorResponse builds an action_response carrying an error code string.
func NewErrorResponse(requestID, action, errCode string) *Message {
	return &Message{
		Type:      KindActionResponse,
		Timestamp: time.Now().UTC(),
		Response: &ActionResponse{
			RequestID: requestID,
			Status:    StatusError,
			Action:    action,
			Error:     errCode,
		},
	}
}

// NewControl builds a control message.
func NewControl(kind ControlKind) *Message {
	return &Message{
		Type:      KindControl,
		Timestamp: time.Now().UTC(),
		Control:   &Control{Kind: kind},
	}
}

// NewPing builds a keepalive probe.
func NewPing() *Message {
	return &Message{Type: KindPing, Timestamp: time.Now().UTC()}
}

// NewPong builds a keepalive reply.
func NewPong() *Message {
	return &Message{Type: KindPong, Timestamp: time.Now().UTC()}
}

// ToJSON serializes the message for the wire.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON parses a wire message without validating its shape.
func FromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel message: %w", err)
	}
	return &msg, nil
}

// Validate checks that the discriminator is known and the matching payload is
// present and well-formed.
func (m *Message) Validate() error {
	switch m.Type {
	case KindActionRequest:
		if m.Request == nil {
			return fmt.Errorf("action_request message has no request body")
		}
		if m.Request.RequestID == "" {
			return fmt.Errorf("action_request has empty request_id")
		}
		if m.Request.Action == "" {
			return fmt.Errorf("action_request has empty action")
		}
		return nil
	case KindActionResponse:
		if m.Response == nil {
			return fmt.Errorf("action_response message has no response body")
		}
		if m.Response.RequestID == "" {
			return fmt.Errorf("action_response has empty request_id")
		}
		if m.Response.Status != StatusOK && m.Response.Status != StatusError {
			return fmt.Errorf("action_response has invalid status: %s", m.Response.Status)
		}
		if m.Response.Status == StatusOK && m.Response.Result == nil {
			return fmt.Errorf("ok action_response has no result")
		}
		return nil
	case KindControl:
		if m.Control == nil {
			return fmt.Errorf("control message has no control body")
		}
		if _, ok := ValidateControlKind(string(m.Control.Kind)); !ok {
			return fmt.Errorf("invalid control kind: %s", m.Control.Kind)
		}
		return nil
	case KindPing, KindPong:
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", m.Type)
	}
}

var (
	reqCounter int64
	reqMutex   sync.Mutex
)

// GenerateRequestID creates a request ID that is collision-free within a
// process. Request IDs are only ever minted on the gateway side.
func GenerateRequestID() string {
	reqMutex.Lock()
	defer reqMutex.Unlock()

	reqCounter++
	return fmt.Sprintf("req_%d_%d", time.Now().UnixNano(), reqCounter)
}

// ValidateKind validates if a string is a known message kind.
func ValidateKind(kind string) (Kind, bool) {
	switch Kind(kind) {
	case KindActionRequest, KindActionResponse, KindControl, KindPing, KindPong:
		return Kind(kind), true
	default:
		return "", false
	}
}

// ParseKind parses a string into a Kind with validation.
func ParseKind(s string) (Kind, error) {
	if kind, ok := ValidateKind(strings.ToLower(s)); ok {
		return kind, nil
	}
	return "", fmt.Errorf("unknown message kind: %s", s)
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	return string(k)
}

// ValidateControlKind validates if a string is a known control kind.
func ValidateControlKind(kind string) (ControlKind, bool) {
	switch ControlKind(kind) {
	case ControlEmergencyStop, ControlResume:
		return ControlKind(kind), true
	default:
		return "", false
	}
}

// ParseControlKind parses a string into a ControlKind with validation.
func ParseControlKind(s string) (ControlKind, error) {
	if kind, ok := ValidateControlKind(strings.ToLower(s)); ok {
		return kind, nil
	}
	return "", fmt.Errorf("unknown control kind: %s", s)
}

// String returns the string representation of ControlKind.
func (ck ControlKind) String() string {
	return string(ck)
}

// ABOUTME: JSON frame types for the coven duplex wire protocol.
// ABOUTME: Requests, responses, and events share one envelope discriminated by "type".

package wire

import "encoding/json"

// Frame type discriminator values.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Frame is the envelope for every message on the duplex connection.
// Which fields are meaningful depends on Type.
type Frame struct {
	Type string `json:"type"`

	// Request / response correlation.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`

	// Event dispatch.
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FrameError is a server-reported failure carried inside a response frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request builds a request frame with marshaled params.
func Request(id, method string, params any) (*Frame, error) {
	f := &Frame{Type: TypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		f.Params = raw
	}
	return f, nil
}

// Response builds a successful response frame with marshaled result.
func Response(id string, result any) (*Frame, error) {
	f := &Frame{Type: TypeResponse, ID: id, OK: true}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		f.Result = raw
	}
	return f, nil
}

// ErrorResponse builds a failed response frame.
func ErrorResponse(id, code, message string) *Frame {
	return &Frame{
		Type:  TypeResponse,
		ID:    id,
		OK:    false,
		Error: &FrameError{Code: code, Message: message},
	}
}

// Event builds an event frame with marshaled payload.
func NewEvent(event string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeEvent, Event: event, Payload: raw}, nil
}

// Package dispatcher routes invocation requests to capability handlers and
// wraps every outcome in one response envelope.
package dispatcher

import "encoding/json"

// Frame types used on persistent-socket transports.
const (
	TypeInvoke    = "invoke"
	TypeInvokeRes = "invoke-res"
)

// InvokeRequest is the JSON envelope for an incoming command invocation.
type InvokeRequest struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// InvokeResponse is the JSON envelope returned for every invocation.
type InvokeResponse struct {
	ID      string       `json:"id,omitempty"`
	Type    string       `json:"type,omitempty"`
	Ok      bool         `json:"ok"`
	Payload interface{}  `json:"payload,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

// Success builds an ok response.
func Success(id string, payload interface{}) *InvokeResponse {
	return &InvokeResponse{ID: id, Ok: true, Payload: payload}
}

// Failure builds a failed response from a command error.
func Failure(id string, cerr *CommandError) *InvokeResponse {
	return &InvokeResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      cerr.Code,
			Message:   cerr.Message,
			Details:   cerr.Details,
			Retryable: cerr.Code == CodeInternalError,
		},
	}
}

// AsSocketReply marks the response for a persistent-socket transport.
func (r *InvokeResponse) AsSocketReply(id string) *InvokeResponse {
	r.ID = id
	r.Type = TypeInvokeRes
	return r
}

package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Form field names of the run-task request.
const (
	FieldClass = "class"
	FieldData  = "data"
	FieldNonce = "request_nonce"
)

// DefaultPath is where the endpoint is mounted unless configured otherwise.
const DefaultPath = "/loopback/v1/run-task"

// Error codes written by the endpoint itself. Tasks choose their own codes.
const (
	CodeForbidden       = "forbidden"
	CodeInvalidCallback = "invalid_callback"
	CodeTaskFailed      = "task_failed"
	CodeTaskPanic       = "task_panic"
	CodeTooLarge        = "payload_too_large"
	CodeBadRequest      = "bad_request"
)

// Reserved reports whether code is one the endpoint writes on its own behalf.
// Task failures never carry these; task_failed is the exception since it is
// also the fallback for unclassified task errors.
func Reserved(code string) bool {
	switch code {
	case CodeForbidden, CodeInvalidCallback, CodeTaskPanic, CodeTooLarge, CodeBadRequest:
		return true
	}
	return false
}

// Request is the envelope posted to the run-task endpoint.
type Request struct {
	Class string // task identifier
	Data  string // JSON array of positional arguments
	Nonce string // token minted for Class and Data
}

// Form encodes the request as form values.
func (r *Request) Form() url.Values {
	v := url.Values{}
	v.Set(FieldClass, r.Class)
	v.Set(FieldData, r.Data)
	v.Set(FieldNonce, r.Nonce)
	return v
}

// ParseRequest extracts the envelope from form values.
func ParseRequest(values url.Values) (*Request, error) {
	req := &Request{
		Class: strings.TrimSpace(values.Get(FieldClass)),
		Data:  values.Get(FieldData),
		Nonce: values.Get(FieldNonce),
	}
	if req.Class == "" {
		return nil, fmt.Errorf("request missing required field: %s", FieldClass)
	}
	if req.Nonce == "" {
		return nil, fmt.Errorf("request missing required field: %s", FieldNonce)
	}
	return req, nil
}

// Response is the JSON body returned by the run-task endpoint.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Success wraps a task's return value.
func Success(v any) (*Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task result: %w", err)
	}
	return &Response{Success: true, Data: data}, nil
}

// Failure builds an error response.
func Failure(code, message string) *Response {
	return &Response{Success: false, Code: code, Message: message}
}

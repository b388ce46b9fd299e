package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// EncodeArgs serializes positional arguments to a JSON array.
func EncodeArgs(args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode arguments: %w", err)
	}
	return string(data), nil
}

// DecodeArgs parses a JSON array into its raw elements, preserving order and
// the exact encoding of each value. An empty string decodes to no arguments.
func DecodeArgs(data string) ([]json.RawMessage, error) {
	if strings.TrimSpace(data) == "" {
		return []json.RawMessage{}, nil
	}

	dec := json.NewDecoder(strings.NewReader(data))
	var args []json.RawMessage
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("failed to decode arguments: %w", err)
	}
	if args == nil {
		return nil, errors.New("arguments must be a JSON array")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after arguments")
	}
	return args, nil
}

// Canonical returns the compact JSON array form of args. Both sides of the
// exchange derive the token's action from this encoding.
func Canonical(args []json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, a := range args {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := json.Compact(&buf, a); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// EncodeResponse serializes a Response to JSON and writes it to w.
func EncodeResponse(w io.Writer, resp *Response) error {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// DecodeResponse reads and validates a Response from r.
func DecodeResponse(r io.Reader) (*Response, error) {
	var resp struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
	}
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.Success == nil {
		return nil, fmt.Errorf("response missing required field: success")
	}
	if !*resp.Success && resp.Code == "" {
		return nil, fmt.Errorf("response has success=false but no error code")
	}

	return &Response{
		Success: *resp.Success,
		Data:    resp.Data,
		Code:    resp.Code,
		Message: resp.Message,
	}, nil
}

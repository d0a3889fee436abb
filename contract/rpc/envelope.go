package rpc

import (
	"bytes"
	"encoding/json"
)

// Status tags a reply as a success or a failure.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Request is the body of a request message.
type Request struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
	ID      string          `json:"id"`
}

// ErrorBody describes a remote failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply is the body of a reply message. Response is the handler result
// verbatim and may be the JSON literal null.
type Reply struct {
	ID       string          `json:"id"`
	Status   Status          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
	Err      *ErrorBody      `json:"err,omitempty"`
}

var jsonNull = []byte("null")

// IsNull reports whether a raw response is absent or the JSON literal null.
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull)
}

// NewRequest encodes payload into a request body.
func NewRequest(pattern, id string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Request{Pattern: pattern, Data: data, ID: id})
}

// SuccessReply encodes result into a success reply body.
func SuccessReply(id string, result any) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Reply{ID: id, Status: StatusSuccess, Response: data})
}

// FailureReply encodes a failure reply body.
func FailureReply(id, code, message string) ([]byte, error) {
	return json.Marshal(Reply{ID: id, Status: StatusFailure, Err: &ErrorBody{Code: code, Message: message}})
}

// DecodeRequest parses a request body.
func DecodeRequest(body []byte) (Request, error) {
	var r Request
	err := json.Unmarshal(body, &r)

	return r, err
}

// DecodeReply parses a reply body.
func DecodeReply(body []byte) (Reply, error) {
	var r Reply
	err := json.Unmarshal(body, &r)

	return r, err
}

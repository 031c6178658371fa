package proto

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the frames multiplexed over a tunnel connection.
type Type string

const (
	TypeInit            Type = "init"
	TypeRequest         Type = "request"
	TypeRequestData     Type = "req_data"
	TypeRequestEnd      Type = "req_end"
	TypeResponseHeaders Type = "res_headers"
	TypeResponseData    Type = "res_data"
	TypeResponseEnd     Type = "res_end"
	TypeError           Type = "error"
)

// Frame is the single message shape exchanged over a tunnel connection in
// both directions. Which fields are meaningful depends on Type; Chunk is
// binary-safe on the wire because encoding/json base64-encodes []byte.
type Frame struct {
	Type       Type                `json:"type"`
	ID         string              `json:"id,omitempty"`
	Subdomain  string              `json:"subdomain,omitempty"`
	Method     string              `json:"method,omitempty"`
	URL        string              `json:"url,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	StatusCode int                 `json:"statusCode,omitempty"`
	Chunk      []byte              `json:"chunk,omitempty"`
	Message    string              `json:"message,omitempty"`
}

// Decode parses a wire payload into a Frame and validates the parts every
// consumer relies on: a known type tag, and a correlation id on every frame
// that correlates to an exchange. Callers log-and-drop on error; a bad frame
// must never take down a reader loop.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("frame json: %w", err)
	}
	switch f.Type {
	case TypeInit:
		if f.Subdomain == "" {
			return Frame{}, fmt.Errorf("init frame missing subdomain")
		}
	case TypeRequest, TypeRequestData, TypeRequestEnd, TypeResponseHeaders, TypeResponseData, TypeResponseEnd, TypeError:
		if f.ID == "" {
			return Frame{}, fmt.Errorf("%s frame missing id", f.Type)
		}
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

// Encode marshals a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

package proto

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDecodeKnownTypes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		typ  Type
	}{
		{"init", `{"type":"init","subdomain":"misty-otter-042"}`, TypeInit},
		{"request", `{"type":"request","id":"r1","method":"GET","url":"/hello","headers":{"Accept":["*/*"]}}`, TypeRequest},
		{"req_data", `{"type":"req_data","id":"r1","chunk":"aGVsbG8="}`, TypeRequestData},
		{"req_end", `{"type":"req_end","id":"r1"}`, TypeRequestEnd},
		{"res_headers", `{"type":"res_headers","id":"r1","statusCode":201,"headers":{"Content-Type":["application/json"]}}`, TypeResponseHeaders},
		{"res_data", `{"type":"res_data","id":"r1","chunk":"d29ybGQ="}`, TypeResponseData},
		{"res_end", `{"type":"res_end","id":"r1"}`, TypeResponseEnd},
		{"error", `{"type":"error","id":"r1","message":"connection refused"}`, TypeError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Decode([]byte(tc.in))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Type != tc.typ {
				t.Fatalf("type = %q, want %q", f.Type, tc.typ)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"teleport","id":"x"}`},
		{"missing id", `{"type":"res_end"}`},
		{"init without subdomain", `{"type":"init"}`},
		{"empty", ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.in)); err == nil {
				t.Fatalf("expected error for %q", tc.in)
			}
		})
	}
}

func TestChunkSurvivesEncoding(t *testing.T) {
	binary := []byte{0x00, 0xff, 0x10, 0x80, 0x7f}
	b, err := Encode(Frame{Type: TypeResponseData, ID: "r1", Chunk: binary})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// The wire form must be transport safe, not raw bytes.
	var wire map[string]any
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatalf("wire is not valid json: %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(f.Chunk, binary) {
		t.Fatalf("chunk = %v, want %v", f.Chunk, binary)
	}
}

func TestHeadersPreserveMultipleValues(t *testing.T) {
	in := Frame{Type: TypeRequest, ID: "r1", Method: "GET", URL: "/",
		Headers: map[string][]string{"Set-Cookie": {"a=1", "b=2"}}}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := f.Headers["Set-Cookie"]
	if len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Fatalf("Set-Cookie = %v", got)
	}
}

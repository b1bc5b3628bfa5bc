package rpcframe

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/sourcegraph/jsonrpc2"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	id := jsonrpc2.ID{Num: 1}
	params := json.RawMessage(`{"foo":"bar"}`)
	if err := w.Write(&Message{ID: &id, Method: "textDocument/hover", Params: &params}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	msg, err := NewReader(&buf).Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Method != "textDocument/hover" || msg.ID == nil || msg.ID.Num != 1 {
		t.Fatalf("msg = %+v", msg)
	}
	if !msg.IsServerRequest() || msg.IsNotification() || msg.IsResponse() {
		t.Fatalf("msg classified wrong: %+v", msg)
	}
}

func TestReadClassifiesNotificationAndResponse(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(&Message{Method: "initialized"}); err != nil {
		t.Fatalf("Write notification: %v", err)
	}
	id := jsonrpc2.ID{Num: 2}
	result := json.RawMessage(`null`)
	if err := w.Write(&Message{ID: &id, Result: &result}); err != nil {
		t.Fatalf("Write response: %v", err)
	}

	r := NewReader(&buf)
	notif, err := r.Read()
	if err != nil {
		t.Fatalf("Read notification: %v", err)
	}
	if !notif.IsNotification() {
		t.Fatalf("expected notification, got %+v", notif)
	}

	resp, err := r.Read()
	if err != nil {
		t.Fatalf("Read response: %v", err)
	}
	if !resp.IsResponse() {
		t.Fatalf("expected response, got %+v", resp)
	}
}

func TestReadReturnsErrEOFOnCleanEndOfStream(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	if _, err := r.Read(); err != ErrEOF {
		t.Fatalf("Read on empty stream = %v, want ErrEOF", err)
	}
}

func TestReadRejectsMissingContentLength(t *testing.T) {
	r := NewReader(strings.NewReader("Content-Type: application/json\r\n\r\n"))
	if _, err := r.Read(); err == nil {
		t.Fatalf("expected an error for a frame with no Content-Length")
	}
}

func TestReadRejectsMalformedHeader(t *testing.T) {
	r := NewReader(strings.NewReader("not-a-header-line\r\n\r\n"))
	if _, err := r.Read(); err == nil {
		t.Fatalf("expected an error for a malformed header line")
	}
}

func TestReadIgnoresUnknownHeaders(t *testing.T) {
	body := `{"method":"initialized"}`
	frame := "Content-Type: application/json\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	r := NewReader(strings.NewReader(frame))
	msg, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Method != "initialized" {
		t.Fatalf("msg.Method = %q", msg.Method)
	}
}

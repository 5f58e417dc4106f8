package common

import (
	"bytes"
	"errors"
	"testing"
)

// TestHeaderValidate verifies the protocol bounds on declared lengths
func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name    string
		length  uint32
		maxSize int
		wantErr error
	}{
		{"minimal header-only message", HeaderLen, 0, nil},
		{"regular message", 96, 0, nil},
		{"length below header size", HeaderLen - 1, 0, ErrMalformedHeader},
		{"zero length", 0, 0, ErrMalformedHeader},
		{"at configured ceiling", 1024, 1024, nil},
		{"above configured ceiling", 1025, 1024, ErrMessageTooLarge},
		{"above default ceiling", DefaultMaxMessageSize + 1, 0, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Header{MessageLen: tt.length}
			err := h.Validate(tt.maxSize)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate(%d) = %v, want nil", tt.length, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate(%d) = %v, want %v", tt.length, err, tt.wantErr)
			}
		})
	}
}

// TestMessageAssembly verifies factories produce correctly framed buffers
func TestMessageAssembly(t *testing.T) {
	body := []byte("the quick brown fox")
	msg := NewMessage(OpMsg, body)

	if msg.Len() != HeaderLen+len(body) {
		t.Errorf("Expected total length %d, got %d", HeaderLen+len(body), msg.Len())
	}
	if msg.OpCode() != OpMsg {
		t.Errorf("Expected opcode %s, got %s", OpMsg, msg.OpCode())
	}
	if msg.ResponseTo() != 0 {
		t.Errorf("A request must carry ResponseTo 0, got %d", msg.ResponseTo())
	}
	if !bytes.Equal(msg.Body(), body) {
		t.Errorf("Body mismatch: got %q", msg.Body())
	}

	h := msg.Header()
	if int(h.MessageLen) != msg.Len() {
		t.Errorf("Header declares %d bytes, buffer holds %d", h.MessageLen, msg.Len())
	}
}

// TestReplyCorrelation verifies replies reference the request they answer
func TestReplyCorrelation(t *testing.T) {
	req := NewMessage(OpMsg, []byte("question"))
	reply := NewReply(req, []byte("answer"))

	if reply.OpCode() != OpReply {
		t.Errorf("Expected opcode %s, got %s", OpReply, reply.OpCode())
	}
	if reply.ResponseTo() != req.RequestID() {
		t.Errorf("Reply answers request %d, expected %d", reply.ResponseTo(), req.RequestID())
	}
	if reply.RequestID() == req.RequestID() {
		t.Error("Reply must carry its own fresh request identifier")
	}
}

// TestPongEchoesPing verifies the liveness answer carries the probe payload
func TestPongEchoesPing(t *testing.T) {
	ping := NewPing([]byte("probe"))
	pong := NewPong(ping)

	if pong.OpCode() != OpPong {
		t.Errorf("Expected opcode %s, got %s", OpPong, pong.OpCode())
	}
	if pong.ResponseTo() != ping.RequestID() {
		t.Errorf("Pong answers %d, expected %d", pong.ResponseTo(), ping.RequestID())
	}
	if !bytes.Equal(pong.Body(), ping.Body()) {
		t.Errorf("Pong body %q does not echo ping body %q", pong.Body(), ping.Body())
	}
}

// TestFromBytes verifies wrapping and rejection of assembled buffers
func TestFromBytes(t *testing.T) {
	original := NewMessage(OpMsg, []byte("payload"))

	msg, err := FromBytes(original.Bytes())
	if err != nil {
		t.Fatalf("FromBytes on a valid buffer: %v", err)
	}
	if msg.RequestID() != original.RequestID() {
		t.Errorf("RequestID changed across FromBytes: %d != %d", msg.RequestID(), original.RequestID())
	}

	// Too short to hold a header
	if _, err := FromBytes(make([]byte, HeaderLen-1)); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("Expected ErrMalformedHeader for short buffer, got %v", err)
	}

	// Header length disagreeing with the buffer
	bad := make([]byte, 32)
	PutHeader(bad, Header{MessageLen: 64, OpCode: OpMsg})
	if _, err := FromBytes(bad); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("Expected ErrMalformedHeader for length mismatch, got %v", err)
	}
}

// TestRequestIDsAreUnique verifies the process-wide counter moves
func TestRequestIDsAreUnique(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id := NextRequestID()
		if seen[id] {
			t.Fatalf("Request ID %d handed out twice", id)
		}
		seen[id] = true
	}
}

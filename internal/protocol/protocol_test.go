package protocol

import "testing"

func TestParseInboundMessageFrame(t *testing.T) {
	data := []byte(`{"type":"message","payload":{"agent_id":"a1"}}`)
	f, err := ParseInbound(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Type != InMessage {
		t.Fatalf("got type %q", f.Type)
	}
}

func TestParseInboundMalformedReturnsError(t *testing.T) {
	_, err := ParseInbound([]byte(`not json`))
	if err == nil {
		t.Fatal("expected an error for malformed frame")
	}
}

func TestEncoderPingIsNotStamped(t *testing.T) {
	enc := NewEncoder("sess-1")
	f := enc.Ping()
	if f.Seq != nil {
		t.Fatalf("ping must not carry a seq, got %v", *f.Seq)
	}
	if f.SessionID != "" {
		t.Fatalf("ping must not carry a session id, got %q", f.SessionID)
	}
}

func TestEncoderStampsMonotonicSeq(t *testing.T) {
	enc := NewEncoder("sess-1")
	f1 := enc.Message(map[string]string{"a": "1"})
	f2 := enc.Error(map[string]string{"b": "2"})
	if f1.Seq == nil || f2.Seq == nil {
		t.Fatal("expected both frames to carry a seq")
	}
	if *f2.Seq <= *f1.Seq {
		t.Fatalf("expected strictly increasing seq, got %d then %d", *f1.Seq, *f2.Seq)
	}
	if f1.SessionID != "sess-1" || f2.SessionID != "sess-1" {
		t.Fatalf("expected session id stamped on both frames")
	}
}

func TestEncoderEventFrameCarriesEventName(t *testing.T) {
	enc := NewEncoder("sess-1")
	f := enc.AutoApproval(map[string]string{"tool_call_id": "1"})
	if f.Type != "event" || f.Event != EventAutoApproval {
		t.Fatalf("got type %q event %q", f.Type, f.Event)
	}
}

func TestEncoderControlRequestCarriesRequestID(t *testing.T) {
	enc := NewEncoder("sess-1")
	f := enc.ControlRequest("perm-abc", CanUseToolRequest{ToolName: "Bash", ToolCallID: "abc"})
	if f.RequestID != "perm-abc" {
		t.Fatalf("got request id %q", f.RequestID)
	}
}

package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeFrame(t *testing.T) {
	body := []byte(`{"conversationId":5001}`)
	frame := EncodeFrame(MsgTypeSend, body)

	if len(frame) != HeaderSize+len(body) {
		t.Fatalf("Expected frame length %d, got %d", HeaderSize+len(body), len(frame))
	}

	length, msgType := DecodeHeader(frame[:HeaderSize])
	if length != uint32(len(body)) {
		t.Errorf("Expected body length %d, got %d", len(body), length)
	}
	if msgType != MsgTypeSend {
		t.Errorf("Expected msg type %d, got %d", MsgTypeSend, msgType)
	}
	if !bytes.Equal(frame[HeaderSize:], body) {
		t.Error("Body not preserved in frame")
	}
}

func TestEncodeFrame_EmptyBody(t *testing.T) {
	frame := EncodeFrame(MsgTypeHeartbeat, nil)

	if len(frame) != HeaderSize {
		t.Fatalf("Expected header-only frame, got %d bytes", len(frame))
	}

	length, msgType := DecodeHeader(frame)
	if length != 0 {
		t.Errorf("Expected body length 0, got %d", length)
	}
	if msgType != MsgTypeHeartbeat {
		t.Errorf("Expected heartbeat type, got %d", msgType)
	}
}

func TestDecodeHeader_AllTypes(t *testing.T) {
	types := []uint16{
		MsgTypeHeartbeat, MsgTypeAuth, MsgTypeAuthAck,
		MsgTypeJoin, MsgTypeJoinAck,
		MsgTypeSend, MsgTypeSendAck, MsgTypeMarkRead,
		MsgTypeEvent,
	}

	for _, want := range types {
		frame := EncodeFrame(want, []byte("x"))
		_, got := DecodeHeader(frame)
		if got != want {
			t.Errorf("Msg type %d not preserved, got %d", want, got)
		}
	}
}

package rpc

import (
	"bytes"
	"testing"
)

func TestPayloadLenKnownTags(t *testing.T) {
	cases := []struct {
		tag  Tag
		want int
	}{
		{TagSocket, 12},
		{TagBind, 10},
		{TagListen, 8},
		{TagConnect, 10},
		{TagFDMapCompletion, 4},
		{TagKillIntercept, 0},
		{TagRetval, 8},
	}
	for _, c := range cases {
		got, ok := PayloadLen(c.tag)
		if !ok {
			t.Errorf("PayloadLen(%s): ok=false", c.tag)
			continue
		}
		if got != c.want {
			t.Errorf("PayloadLen(%s) = %d, want %d", c.tag, got, c.want)
		}
	}
}

func TestPayloadLenUnknownTag(t *testing.T) {
	if _, ok := PayloadLen(Tag(200)); ok {
		t.Fatalf("PayloadLen(unknown) reported ok")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := BindPayload{TheirFD: 7, Addr: SockAddrIn{Port: 9000, Addr: [4]byte{10, 0, 0, 1}}}
	raw := Marshal(in)
	if len(raw) != 10 {
		t.Fatalf("Marshal length = %d, want 10", len(raw))
	}

	var out BindPayload
	if err := Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestReadRequestFixedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagListen))
	buf.Write(Marshal(ListenPayload{TheirFD: 7, Backlog: 128}))

	req, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Tag != TagListen {
		t.Fatalf("Tag = %s, want LISTEN", req.Tag)
	}
	var payload ListenPayload
	if err := Unmarshal(req.Payload, &payload); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if payload.TheirFD != 7 || payload.Backlog != 128 {
		t.Fatalf("payload = %+v, want {7 128}", payload)
	}
}

func TestReadRequestUnknownTag(t *testing.T) {
	buf := bytes.NewBuffer([]byte{200})
	if _, err := ReadRequest(buf); err == nil {
		t.Fatalf("ReadRequest on unknown tag succeeded")
	}
}

func TestWriteRetval(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRetval(&buf, -1, 22); err != nil {
		t.Fatalf("WriteRetval: %v", err)
	}

	req, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest of our own reply: %v", err)
	}
	if req.Tag != TagRetval {
		t.Fatalf("Tag = %s, want RETVAL", req.Tag)
	}
	var payload RetvalPayload
	if err := Unmarshal(req.Payload, &payload); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if payload.Retval != -1 || payload.Errno != 22 {
		t.Fatalf("payload = %+v, want {-1 22}", payload)
	}
}

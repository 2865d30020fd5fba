// Package rpc implements the fixed-length tag+payload control protocol
// described by the component's external interface: one tag byte followed by
// a payload whose length is fixed and known to both sides, plus ancillary
// file-descriptor transfer for handing socket-pair halves to clients.
//
// This is organized the way the teacher's internal/ipc package separates
// codec concerns from client/server plumbing, but the wire format itself is
// fixed-length-per-tag rather than the teacher's variable-length
// Header{Type,Length} framing, since the intercept library ABI this
// protocol stands in for requires every tag's payload size to be a
// compile-time constant on both ends.
package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Tag identifies the kind of a control-channel record.
type Tag uint8

// Stable tag byte assignments. These must match the intercept library and
// are never renumbered once assigned.
const (
	TagSocket          Tag = 1
	TagBind            Tag = 2
	TagListen          Tag = 3
	TagConnect         Tag = 4
	TagKillIntercept   Tag = 5
	TagFDMapCompletion Tag = 6
	TagRetval          Tag = 7
)

func (t Tag) String() string {
	switch t {
	case TagSocket:
		return "SOCKET"
	case TagBind:
		return "BIND"
	case TagListen:
		return "LISTEN"
	case TagConnect:
		return "CONNECT"
	case TagKillIntercept:
		return "KILL_INTERCEPT"
	case TagFDMapCompletion:
		return "FD_MAP_COMPLETION"
	case TagRetval:
		return "RETVAL"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// SockAddrIn is a minimal little-endian IPv4 socket address as carried on
// the wire; it deliberately does not mirror the C sockaddr_in byte layout
// since this protocol is internal to this reimplementation.
type SockAddrIn struct {
	Port uint16
	Addr [4]byte
}

// SocketPayload is the fixed payload for TagSocket.
type SocketPayload struct {
	Domain   int32
	Type     int32
	Protocol int32
}

// BindPayload is the fixed payload for TagBind.
type BindPayload struct {
	TheirFD int32
	Addr    SockAddrIn
}

// ListenPayload is the fixed payload for TagListen.
type ListenPayload struct {
	TheirFD int32
	Backlog int32
}

// ConnectPayload is the fixed payload for TagConnect.
type ConnectPayload struct {
	TheirFD int32
	Addr    SockAddrIn
}

// FDMapCompletionPayload is the fixed payload for TagFDMapCompletion.
type FDMapCompletionPayload struct {
	PerceivedFD int32
}

// RetvalPayload is the fixed payload of the service->client reply record.
type RetvalPayload struct {
	Retval int32
	Errno  int32
}

// PayloadLen returns the fixed wire length of tag's payload. A tag with no
// request payload (TagKillIntercept) yields 0 with ok=true; an unknown tag
// yields 0 with ok=false.
func PayloadLen(t Tag) (n int, ok bool) {
	switch t {
	case TagSocket:
		return binary.Size(SocketPayload{}), true
	case TagBind:
		return binary.Size(BindPayload{}), true
	case TagListen:
		return binary.Size(ListenPayload{}), true
	case TagConnect:
		return binary.Size(ConnectPayload{}), true
	case TagFDMapCompletion:
		return binary.Size(FDMapCompletionPayload{}), true
	case TagKillIntercept:
		return 0, true
	case TagRetval:
		return binary.Size(RetvalPayload{}), true
	default:
		return 0, false
	}
}

// Marshal encodes v (one of the *Payload types above) in little-endian wire
// format.
func Marshal(v any) []byte {
	var buf bytes.Buffer
	// Fixed-size struct fields only: binary.Write never returns an error here.
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// Unmarshal decodes raw into v (a pointer to one of the *Payload types).
func Unmarshal(raw []byte, v any) error {
	return binary.Read(bytes.NewReader(raw), binary.LittleEndian, v)
}

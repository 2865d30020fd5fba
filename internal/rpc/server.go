package rpc

import (
	"fmt"
	"io"
)

// Request is one decoded client->service record: a tag plus its raw,
// already-length-validated payload bytes.
type Request struct {
	Tag     Tag
	Payload []byte
}

// ReadRequest reads exactly one tagged record from r. Framing relies on
// every tag having a payload length fixed and known to both sides (§4.3);
// an unknown tag is a fatal framing error since there's no way to know how
// many payload bytes to consume.
func ReadRequest(r io.Reader) (Request, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Request{}, err
	}
	tag := Tag(tagBuf[0])

	n, ok := PayloadLen(tag)
	if !ok {
		return Request{}, fmt.Errorf("rpc: unknown tag %d", tagBuf[0])
	}
	if n == 0 {
		return Request{Tag: tag}, nil
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Request{}, fmt.Errorf("rpc: read %s payload: %w", tag, err)
	}
	return Request{Tag: tag, Payload: payload}, nil
}

// WriteRetval writes the service->client RETVAL reply record.
func WriteRetval(w io.Writer, retval, errnoVal int32) error {
	rec := append([]byte{byte(TagRetval)}, Marshal(RetvalPayload{Retval: retval, Errno: errnoVal})...)
	_, err := w.Write(rec)
	if err != nil {
		return fmt.Errorf("rpc: write retval: %w", err)
	}
	return nil
}

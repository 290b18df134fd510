package outbox

import (
	"encoding/binary"
	"fmt"
)

// Kafka header names set on every delivered event.
const (
	HeaderEventType     = "event_type"
	HeaderUserID        = "user_id"
	HeaderSchemaSubject = "schema_subject"
)

const (
	wireMagic     byte = 0
	wireHeaderLen      = 5
)

// encodeWireFormat prefixes payload with the magic byte and the big-endian schema id, the
// framing Schema Registry aware consumers expect.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, wireHeaderLen, wireHeaderLen+len(payload))
	frame[0] = wireMagic
	binary.BigEndian.PutUint32(frame[1:wireHeaderLen], uint32(schemaID))
	return append(frame, payload...)
}

// DecodeWireFormat splits a framed Kafka value into its schema id and payload.
func DecodeWireFormat(value []byte) (int, []byte, error) {
	if len(value) < wireHeaderLen {
		return 0, nil, fmt.Errorf("invalid wire format: %d bytes", len(value))
	}
	if value[0] != wireMagic {
		return 0, nil, fmt.Errorf("invalid wire format: magic byte %#x", value[0])
	}
	return int(binary.BigEndian.Uint32(value[1:wireHeaderLen])), value[wireHeaderLen:], nil
}

// Package codec implements the wire codec for the fixed set of Cync
// packet types: encoding outbound handshake/data/ack/heartbeat packets
// and decoding inbound frames produced by internal/framing.
package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Packet type bytes, per the wire format in spec.md §3/§6.
const (
	TypeHandshake     byte = 0x23
	TypeHandshakeAck  byte = 0x28
	TypeData          byte = 0x73
	TypeDataAck       byte = 0x7B
	TypeStatus        byte = 0x83
	TypeStatusAck     byte = 0x88
	TypeHeartbeat     byte = 0xD3
	TypeHeartbeatAck  byte = 0xD8
	TypeBulkStatus    byte = 0x43
	TypeBulkStatusAck byte = 0x48
)

// EndpointLen is the fixed size of the opaque gateway identity.
const EndpointLen = 5

// Endpoint identifies a mesh gateway. It is opaque to the codec.
type Endpoint [EndpointLen]byte

// Packet is the decoded form of any inbound frame.
type Packet struct {
	Type     byte
	Endpoint Endpoint
	HasMsgID bool
	MsgID    uint16
	Payload  []byte
	Raw      []byte
}

// DecodeError reports why a frame could not be turned into a Packet.
type DecodeError struct {
	Kind string // "truncated", "bad_checksum", "unknown_type"
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode error: %s", e.Kind)
}

var (
	// ErrTruncated names the DecodeError{Kind: "truncated"} failure.
	// DecodeError does not wrap it, so errors.Is does not match it.
	ErrTruncated = errors.New("truncated packet")
	// ErrBadChecksum names the DecodeError{Kind: "bad_checksum"} failure.
	// Declared for the error taxonomy's sake but never raised by
	// DecodePacket: the wire format carries no documented checksum
	// algorithm, byte range, or presence flag to validate against. See
	// DESIGN.md's Open Question resolutions for why this was left
	// unimplemented rather than guessed at.
	ErrBadChecksum = errors.New("checksum mismatch")
)

// ackTypeForRequest maps a request type to the ACK type that answers it.
// Read through AckTypeFor when the transport auto-ACKs inbound packets;
// the router dispatches on packet type directly.
var ackTypeForRequest = map[byte]byte{
	TypeHandshake:  TypeHandshakeAck,
	TypeData:       TypeDataAck,
	TypeStatus:     TypeStatusAck,
	TypeHeartbeat:  TypeHeartbeatAck,
	TypeBulkStatus: TypeBulkStatusAck,
}

// AckTypeFor returns the ack packet type for a request type, and whether
// one is defined.
func AckTypeFor(requestType byte) (byte, bool) {
	t, ok := ackTypeForRequest[requestType]
	return t, ok
}

// HasMsgID reports whether packets of this type carry a msg_id field.
// Only the 0x73/0x7B pair is msg_id addressed; everything else is FIFO.
func HasMsgID(packetType byte) bool {
	return packetType == TypeData || packetType == TypeDataAck
}

// EncodeHandshake builds a 0x23 frame: endpoint || auth_code.
func EncodeHandshake(endpoint Endpoint, authCode []byte) []byte {
	body := make([]byte, 0, EndpointLen+len(authCode))
	body = append(body, endpoint[:]...)
	body = append(body, authCode...)
	return frame(TypeHandshake, body)
}

// EncodeDataPacket builds a 0x73 frame with the given msg_id at bytes
// [10..12) of the frame (i.e. [5..7) of the body following
// type+reserved+length, consistent with spec.md §6's byte offsets
// measured from the start of the frame).
func EncodeDataPacket(endpoint Endpoint, msgID uint16, payload []byte) []byte {
	body := make([]byte, 0, EndpointLen+2+len(payload))
	body = append(body, endpoint[:]...)
	body = binary.BigEndian.AppendUint16(body, msgID)
	body = append(body, payload...)
	return frame(TypeData, body)
}

// EncodeAck builds an ack frame for the given ack type. msgID is only
// emitted for TypeDataAck; other ack types carry endpoint only.
func EncodeAck(ackType byte, endpoint Endpoint, msgID uint16) []byte {
	body := make([]byte, 0, EndpointLen+2)
	body = append(body, endpoint[:]...)
	if ackType == TypeDataAck {
		body = binary.BigEndian.AppendUint16(body, msgID)
	}
	return frame(ackType, body)
}

// EncodeHeartbeat builds a 0xD3 frame.
func EncodeHeartbeat(endpoint Endpoint) []byte {
	return frame(TypeHeartbeat, endpoint[:])
}

// frame wraps a body with the 5-byte header: type | 00 00 | len_hi | len_lo.
func frame(packetType byte, body []byte) []byte {
	n := len(body)
	out := make([]byte, 5+n)
	out[0] = packetType
	out[1] = 0
	out[2] = 0
	out[3] = byte((n >> 8) & 0xFF)
	out[4] = byte(n & 0xFF)
	copy(out[5:], body)
	return out
}

// DecodePacket decodes a single complete frame (as produced by the
// framer) into a Packet. unknown_type is non-fatal: the Packet is
// still returned with HasMsgID=false so the router can forward it to
// the data queue for opaque consumers, per spec.md §4.2.
func DecodePacket(raw []byte) (Packet, error) {
	if len(raw) < 5 {
		return Packet{}, &DecodeError{Kind: "truncated"}
	}
	packetType := raw[0]
	declared := int(raw[3])<<8 | int(raw[4])
	body := raw[5:]
	if len(body) != declared {
		return Packet{}, &DecodeError{Kind: "truncated"}
	}

	p := Packet{Type: packetType, Raw: raw}

	switch packetType {
	case TypeHandshake:
		if len(body) < EndpointLen {
			return Packet{}, &DecodeError{Kind: "truncated"}
		}
		copy(p.Endpoint[:], body[:EndpointLen])
		p.Payload = body[EndpointLen:]
	case TypeData:
		if len(body) < EndpointLen+2 {
			return Packet{}, &DecodeError{Kind: "truncated"}
		}
		copy(p.Endpoint[:], body[:EndpointLen])
		p.HasMsgID = true
		p.MsgID = binary.BigEndian.Uint16(body[EndpointLen : EndpointLen+2])
		p.Payload = body[EndpointLen+2:]
	case TypeDataAck:
		if len(body) < EndpointLen+2 {
			return Packet{}, &DecodeError{Kind: "truncated"}
		}
		copy(p.Endpoint[:], body[:EndpointLen])
		p.HasMsgID = true
		p.MsgID = binary.BigEndian.Uint16(body[EndpointLen : EndpointLen+2])
		p.Payload = body[EndpointLen+2:]
	case TypeHandshakeAck, TypeHeartbeat, TypeHeartbeatAck:
		if len(body) >= EndpointLen {
			copy(p.Endpoint[:], body[:EndpointLen])
			p.Payload = body[EndpointLen:]
		} else {
			p.Payload = body
		}
	case TypeStatus, TypeStatusAck, TypeBulkStatus, TypeBulkStatusAck:
		if len(body) >= EndpointLen {
			copy(p.Endpoint[:], body[:EndpointLen])
			p.Payload = body[EndpointLen:]
		} else {
			p.Payload = body
		}
	default:
		// unknown_type: non-fatal, forwarded opaque.
		p.Payload = body
	}

	return p, nil
}

// Fingerprint computes the Full Fingerprint dedup key of spec.md §4.3:
// hex(type) ":" hex(endpoint) ":" hex(msg_id) ":" first16hex(sha256(payload)).
func Fingerprint(p Packet) string {
	var endpointHex string
	if p.Endpoint != (Endpoint{}) {
		endpointHex = hex.EncodeToString(p.Endpoint[:])
	} else {
		endpointHex = hex.EncodeToString(make([]byte, EndpointLen))
	}
	var msgIDBytes [2]byte
	if p.HasMsgID {
		binary.BigEndian.PutUint16(msgIDBytes[:], p.MsgID)
	}
	sum := sha256.Sum256(p.Payload)
	return fmt.Sprintf("%02x:%s:%s:%s",
		p.Type, endpointHex, hex.EncodeToString(msgIDBytes[:]), hex.EncodeToString(sum[:8]))
}

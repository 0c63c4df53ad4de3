package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeDataRoundTrip(t *testing.T) {
	endpoint := Endpoint{0x01, 0x02, 0x03, 0x04, 0x05}
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	frame := EncodeDataPacket(endpoint, 0x1234, payload)
	pkt, err := DecodePacket(frame)
	require.NoError(t, err)

	assert.Equal(t, TypeData, pkt.Type)
	assert.Equal(t, endpoint, pkt.Endpoint)
	assert.True(t, pkt.HasMsgID)
	assert.Equal(t, uint16(0x1234), pkt.MsgID)
	assert.Equal(t, payload, pkt.Payload)
}

func TestDataPacketMsgIDOffset(t *testing.T) {
	// spec.md: 0x73 body bytes [10..12] (measured from frame start) carry
	// msg_id big-endian.
	endpoint := Endpoint{0x01, 0x02, 0x03, 0x04, 0x05}
	frame := EncodeDataPacket(endpoint, 0x1234, []byte{0x01, 0x00})
	assert.Equal(t, byte(0x12), frame[10])
	assert.Equal(t, byte(0x34), frame[11])
}

func TestEncodeAckEchoesMsgIDOnlyForDataAck(t *testing.T) {
	endpoint := Endpoint{0x0A, 0x0B, 0x0C, 0x0D, 0x0E}

	dataAck := EncodeAck(TypeDataAck, endpoint, 0x1234)
	pkt, err := DecodePacket(dataAck)
	require.NoError(t, err)
	assert.True(t, pkt.HasMsgID)
	assert.Equal(t, uint16(0x1234), pkt.MsgID)

	statusAck := EncodeAck(TypeStatusAck, endpoint, 0x1234)
	pkt2, err := DecodePacket(statusAck)
	require.NoError(t, err)
	assert.False(t, pkt2.HasMsgID)
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, err := DecodePacket([]byte{0x23, 0x00})
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "truncated", de.Kind)
}

func TestDecodeTruncatedBody(t *testing.T) {
	raw := []byte{TypeHandshake, 0, 0, 0, 10} // declares 10 bytes, carries 0
	_, err := DecodePacket(raw)
	require.Error(t, err)
}

func TestZeroBodyFrameAccepted(t *testing.T) {
	raw := []byte{TypeHeartbeat, 0, 0, 0, 0}
	pkt, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, pkt.Type)
	assert.Empty(t, pkt.Payload)
}

func TestUnknownTypeIsNonFatal(t *testing.T) {
	raw := []byte{0xFF, 0, 0, 0, 2, 0xAA, 0xBB}
	pkt, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), pkt.Type)
	assert.Equal(t, []byte{0xAA, 0xBB}, pkt.Payload)
}

// P5: dedup_key(p) == dedup_key(p') iff type, endpoint, msg_id, and
// payload are all equal.
func TestFingerprintDeterminism(t *testing.T) {
	endpoint := Endpoint{1, 2, 3, 4, 5}
	p1 := Packet{Type: TypeData, Endpoint: endpoint, HasMsgID: true, MsgID: 7, Payload: []byte("hello")}
	p2 := Packet{Type: TypeData, Endpoint: endpoint, HasMsgID: true, MsgID: 7, Payload: []byte("hello")}
	assert.Equal(t, Fingerprint(p1), Fingerprint(p2))

	p3 := p2
	p3.Payload = []byte("hellp")
	assert.NotEqual(t, Fingerprint(p1), Fingerprint(p3))

	p4 := p2
	p4.MsgID = 8
	assert.NotEqual(t, Fingerprint(p1), Fingerprint(p4))
}

func TestAckTypeFor(t *testing.T) {
	ackType, ok := AckTypeFor(TypeData)
	require.True(t, ok)
	assert.Equal(t, TypeDataAck, ackType)

	_, ok = AckTypeFor(0xFF)
	assert.False(t, ok)
}

func TestHasMsgID(t *testing.T) {
	assert.True(t, HasMsgID(TypeData))
	assert.True(t, HasMsgID(TypeDataAck))
	assert.False(t, HasMsgID(TypeHeartbeat))
	assert.False(t, HasMsgID(TypeStatus))
}

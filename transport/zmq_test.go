package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameRoundTrip(t *testing.T) {
	frame := EncodeFrame("embodied.logging.ProtoSubscribe", []byte{0x0a, 0x03, 'a', 'b', 'c'})

	name, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "embodied.logging.ProtoSubscribe", name)
	assert.Equal(t, []byte{0x0a, 0x03, 'a', 'b', 'c'}, payload)
}

func TestDecodeFramePayloadMayContainSeparator(t *testing.T) {
	frame := EncodeFrame("some.Type", []byte("key:value"))

	name, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "some.Type", name)
	assert.Equal(t, []byte("key:value"), payload)
}

func TestDecodeFrameMissingSeparator(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestEncodeProtoSubscribe(t *testing.T) {
	frame := EncodeProtoSubscribe([]string{STTRequestProto, "embodied.logging.Event"}, 1234567)

	name, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, protoSubscribeType, name)

	var protos []string
	var timestamp uint64
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		require.Positive(t, n)
		payload = payload[n:]
		switch num {
		case 1:
			require.Equal(t, protowire.BytesType, typ)
			s, n := protowire.ConsumeString(payload)
			require.Positive(t, n)
			protos = append(protos, s)
			payload = payload[n:]
		case 2:
			require.Equal(t, protowire.VarintType, typ)
			v, n := protowire.ConsumeVarint(payload)
			require.Positive(t, n)
			timestamp = v
			payload = payload[n:]
		default:
			t.Fatalf("unexpected field %d", num)
		}
	}
	assert.Equal(t, []string{STTRequestProto, "embodied.logging.Event"}, protos)
	assert.Equal(t, uint64(1234567), timestamp)
}

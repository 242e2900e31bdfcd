package transport

import (
	"bytes"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"github.com/jbeghtol/openmoxie/errors"
)

// The zmq bridge carries protobuf messages over MQTT framed as the UTF-8
// fully-qualified type name, a colon, then the serialized payload.

// ZMQHandler receives one decoded bridge message for a device.
type ZMQHandler func(deviceID, typeName string, payload []byte)

// EncodeFrame frames a payload under its type name.
func EncodeFrame(typeName string, payload []byte) []byte {
	frame := make([]byte, 0, len(typeName)+1+len(payload))
	frame = append(frame, typeName...)
	frame = append(frame, ':')
	return append(frame, payload...)
}

// DecodeFrame splits a bridge frame into type name and payload.
func DecodeFrame(frame []byte) (string, []byte, error) {
	i := bytes.IndexByte(frame, ':')
	if i < 0 {
		return "", nil, errors.WrapInvalid(errors.ErrMalformedPayload, "transport", "DecodeFrame", "find type separator")
	}
	return string(frame[:i]), frame[i+1:], nil
}

// EncodeProtoFrame frames a protobuf message under its descriptor full name.
func EncodeProtoFrame(msg proto.Message) ([]byte, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.WrapInvalid(err, "transport", "EncodeProtoFrame", "marshal message")
	}
	name := string(msg.ProtoReflect().Descriptor().FullName())
	return EncodeFrame(name, payload), nil
}

// protoSubscribeType is the device-side message that subscribes a device to
// bridge feeds.
const protoSubscribeType = "embodied.logging.ProtoSubscribe"

// EncodeProtoSubscribe builds a subscription frame for the named feeds at
// wire level: field 1 repeated string proto names, field 2 the timestamp in
// milliseconds.
func EncodeProtoSubscribe(protoNames []string, timestampMS int64) []byte {
	var payload []byte
	for _, name := range protoNames {
		payload = protowire.AppendTag(payload, 1, protowire.BytesType)
		payload = protowire.AppendString(payload, name)
	}
	payload = protowire.AppendTag(payload, 2, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(timestampMS))
	return EncodeFrame(protoSubscribeType, payload)
}

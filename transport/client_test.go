package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeghtol/openmoxie/errors"
)

func newTestClient(t *testing.T, handlers Handlers) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Host:     "localhost",
		Port:     8883,
		ClientID: "openmoxie-test",
	}, Deps{Handlers: handlers})
	require.NoError(t, err)
	return c
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{ClientID: "x"}, Deps{})
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient(Config{Host: "localhost"}, Deps{})
	assert.True(t, errors.IsInvalid(err))
}

func TestHandleMessageDispatchesDeviceEvent(t *testing.T) {
	var gotDevice, gotEvent string
	var gotPayload []byte
	c := newTestClient(t, Handlers{
		DeviceEvent: func(deviceID, event string, payload []byte) {
			gotDevice, gotEvent, gotPayload = deviceID, event, payload
		},
	})

	c.handleMessage("/devices/d_42/events/remote-chat", []byte(`{"command":"prompt"}`))

	assert.Equal(t, "d_42", gotDevice)
	assert.Equal(t, "remote-chat", gotEvent)
	assert.JSONEq(t, `{"command":"prompt"}`, string(gotPayload))
}

func TestHandleMessageDispatchesState(t *testing.T) {
	var gotDevice string
	c := newTestClient(t, Handlers{
		DeviceState: func(deviceID string, _ []byte) { gotDevice = deviceID },
	})

	c.handleMessage("/devices/d_42/state", []byte("awake"))
	assert.Equal(t, "d_42", gotDevice)
}

func TestHandleMessageDispatchesBrokerLog(t *testing.T) {
	var gotSub, gotLine string
	c := newTestClient(t, Handlers{
		BrokerLog: func(subtopic, line string) { gotSub, gotLine = subtopic, line },
	})

	c.handleMessage("$SYS/broker/log/N", []byte("some notification"))
	assert.Equal(t, "N", gotSub)
	assert.Equal(t, "some notification", gotLine)
}

func TestHandleMessageTracksClientMetrics(t *testing.T) {
	c := newTestClient(t, Handlers{})

	c.handleMessage("$SYS/broker/clients/connected", []byte("7"))
	c.handleMessage("$SYS/broker/clients/total", []byte("12"))
	c.handleMessage("$SYS/broker/clients/total", []byte("not a number"))

	assert.Equal(t, map[string]int64{"connected": 7, "total": 12}, c.ClientMetrics())
}

func TestHandleMessageRoutesZMQFrames(t *testing.T) {
	var gotDevice, gotType string
	var gotPayload []byte
	deviceEvents := 0
	c := newTestClient(t, Handlers{
		DeviceEvent: func(string, string, []byte) { deviceEvents++ },
	})
	c.AddZMQHandler("embodied.perception.audio.zmqSTTRequest", func(deviceID, typeName string, payload []byte) {
		gotDevice, gotType, gotPayload = deviceID, typeName, payload
	})

	frame := EncodeFrame("embodied.perception.audio.zmqSTTRequest", []byte{1, 2, 3})
	c.handleMessage("/devices/d_42/events/zmq", frame)

	assert.Equal(t, "d_42", gotDevice)
	assert.Equal(t, "embodied.perception.audio.zmqSTTRequest", gotType)
	assert.Equal(t, []byte{1, 2, 3}, gotPayload)
	assert.Equal(t, 0, deviceEvents, "zmq frames bypass the generic event handler")

	// Unregistered types and malformed frames are dropped quietly.
	c.handleMessage("/devices/d_42/events/zmq", EncodeFrame("unknown.Type", nil))
	c.handleMessage("/devices/d_42/events/zmq", []byte{9, 9, 9})
}

func TestPublishRequiresConnection(t *testing.T) {
	c := newTestClient(t, Handlers{})

	err := c.SendCommand("d_42", "remote_chat", map[string]any{"result": 0})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestPublishCannedRouting(t *testing.T) {
	c := newTestClient(t, Handlers{})

	// Invalid canned payloads fail before any publish attempt.
	err := c.PublishCanned(CannedMessage{Payload: map[string]any{"text": "hi"}})
	assert.True(t, errors.IsInvalid(err))

	// Routable messages fail with a transport error while disconnected.
	err = c.PublishCanned(CannedMessage{Topic: "remote-chat", Payload: map[string]any{}})
	assert.True(t, errors.IsTransient(err))
	err = c.PublishCanned(CannedMessage{Payload: map[string]any{"subtopic": "query"}})
	assert.True(t, errors.IsTransient(err))
}

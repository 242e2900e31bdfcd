package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeghtol/openmoxie/errors"
)

func TestDecomposeTopic(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		want  TopicInfo
	}{
		{
			name:  "device event",
			topic: "/devices/d_123/events/remote-chat",
			want:  TopicInfo{DeviceID: "d_123", Category: "events", Subcategory: "remote-chat"},
		},
		{
			name:  "device state",
			topic: "/devices/d_123/state",
			want:  TopicInfo{DeviceID: "d_123", Category: "state"},
		},
		{
			name:  "broker client metric",
			topic: "$SYS/broker/clients/connected",
			want:  TopicInfo{DeviceID: "clients", Category: "connected"},
		},
		{
			name:  "broker log notification",
			topic: "$SYS/broker/log/N",
			want:  TopicInfo{DeviceID: "log", Category: "N"},
		},
		{
			name:  "nested event name",
			topic: "/devices/d_123/events/client-service-activity-log/extra",
			want:  TopicInfo{DeviceID: "d_123", Category: "events", Subcategory: "client-service-activity-log/extra"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecomposeTopic(tt.topic)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecomposeTopicMalformed(t *testing.T) {
	_, err := DecomposeTopic("too/short")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

package transport

import (
	"strings"

	"github.com/jbeghtol/openmoxie/errors"
)

// Topic categories produced by decomposition.
const (
	CategoryEvents = "events"
	CategoryState  = "state"

	// Broker-internal topics put a fixed word where the device id sits.
	brokerClients = "clients"
	brokerLog     = "log"
)

// TopicInfo is a decomposed inbound topic. For device topics DeviceID holds
// the device identifier; for broker-internal topics it holds the broker
// class ("clients" or "log") and Category the metric or log subtopic.
type TopicInfo struct {
	DeviceID    string
	Category    string
	Subcategory string
}

// DecomposeTopic splits an inbound topic by fixed positional segments:
// segment 2 is the device id (or broker class), segment 3 the category, and
// segment 4, when present, the event name.
func DecomposeTopic(topic string) (TopicInfo, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return TopicInfo{}, errors.WrapInvalid(errors.ErrMalformedTopic, "transport", "DecomposeTopic", "decompose "+topic)
	}
	info := TopicInfo{DeviceID: parts[2], Category: parts[3]}
	if len(parts) > 4 {
		info.Subcategory = strings.Join(parts[4:], "/")
	}
	return info, nil
}

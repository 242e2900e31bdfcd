// Package openmoxie implements the server side of the Moxie robot's
// remote chat protocol: an MQTT-connected service that turns device
// conversation events into LLM-backed structured replies.
//
// # Architecture
//
// Devices publish JSON events on per-device MQTT topics. The transport
// layer decomposes topics, dispatches events, and tracks device
// connect/disconnect from broker log lines. The protocol router maps
// each event to a per-device conversation session looked up by
// module/content key, falls back for unregistered content, and lets
// global voice commands preempt everything else. Sessions hold the
// canonical dialogue history, count turns, and call an
// OpenAI-compatible completion service for each reply. Replies flow
// back as markup-enriched remote chat commands.
//
// Package map:
//
//   - volley: the request/response envelope and response actions
//   - conversation: per-session dialogue state machine
//   - remotechat: module registry, global commands, protocol router
//   - transport: MQTT client, topic codec, binary side-channel, tracker
//   - inference: OpenAI-compatible completion client
//   - markup: response text enrichment
//   - store: persistence contracts plus the in-memory implementation
//   - gateway: websocket preview chat for browser clients
//   - server: the application context wiring everything together
//
// The moxied binary under cmd/moxied runs the full service.
package openmoxie

package transport

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/jbeghtol/openmoxie/errors"
	"github.com/jbeghtol/openmoxie/metric"
	"github.com/jbeghtol/openmoxie/pkg/worker"
	"github.com/jbeghtol/openmoxie/store"
)

// Broker log notification patterns for device lifecycle. The broker reports
// connects and disconnects as free-text notification lines.
var (
	connectPattern    = regexp.MustCompile(`connected from (.*) as (d_[a-f0-9-]+)`)
	disconnectPattern = regexp.MustCompile(`Client (d_[a-f0-9-]+) closed its connection`)
)

// logNotifications is the broker log subtopic carrying notification lines.
const logNotifications = "N"

// STTRequestProto is the bridge feed each device is subscribed to on connect.
const STTRequestProto = "embodied.perception.audio.zmqSTTRequest"

// DevicePusher is the transport surface the tracker needs for per-device
// setup: pushing configuration and subscribing the device to bridge feeds.
type DevicePusher interface {
	SendConfig(deviceID string, payload any) error
	SendZMQFrame(deviceID string, frame []byte) error
}

// connEvent is one device lifecycle change extracted from the broker log.
type connEvent struct {
	deviceID  string
	ip        string
	connected bool
}

// TrackerConfig sizes the tracker's worker pool.
type TrackerConfig struct {
	Workers   int
	QueueSize int
}

// TrackerDeps carries the tracker's collaborators. OnDisconnect is invoked
// after a device's store state is released, letting the router drop session
// state.
type TrackerDeps struct {
	Store        store.DeviceStore
	Pusher       DevicePusher
	OnDisconnect func(deviceID string)
	Logger       *slog.Logger
	Metrics      *metric.Metrics

	MetricsRegistry *metric.MetricsRegistry
}

// Tracker watches broker log notifications for device connects and
// disconnects and runs the per-device side effects on a worker pool, never
// on the transport callback thread.
type Tracker struct {
	store        store.DeviceStore
	pusher       DevicePusher
	onDisconnect func(string)
	logger       *slog.Logger
	metrics      *metric.Metrics

	pool *worker.Pool[connEvent]
}

// NewTracker creates a tracker. The pool is not started until Start.
func NewTracker(cfg TrackerConfig, deps TrackerDeps) *Tracker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:        deps.Store,
		pusher:       deps.Pusher,
		onDisconnect: deps.OnDisconnect,
		logger:       logger,
		metrics:      deps.Metrics,
	}
	var opts []worker.Option[connEvent]
	if deps.MetricsRegistry != nil {
		opts = append(opts, worker.WithMetricsRegistry[connEvent](deps.MetricsRegistry, "tracker"))
	}
	t.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, t.process, opts...)
	return t
}

// Start launches the tracker's worker pool.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "tracker", "Start", "start worker pool")
	}
	return nil
}

// Stop drains the tracker's worker pool.
func (t *Tracker) Stop(timeout time.Duration) error {
	if err := t.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "tracker", "Stop", "stop worker pool")
	}
	return nil
}

// HandleBrokerLog inspects one broker log line for lifecycle events. Only
// notification lines are considered; unmatched lines are ignored.
func (t *Tracker) HandleBrokerLog(subtopic, line string) {
	if subtopic != logNotifications {
		return
	}
	var ev connEvent
	if m := connectPattern.FindStringSubmatch(line); m != nil {
		ev = connEvent{deviceID: m[2], ip: m[1], connected: true}
	} else if m := disconnectPattern.FindStringSubmatch(line); m != nil {
		ev = connEvent{deviceID: m[1]}
	} else {
		return
	}
	if err := t.pool.Submit(ev); err != nil {
		t.logger.Warn("dropping device lifecycle event",
			"device_id", ev.deviceID, "connected", ev.connected, "error", err)
	}
}

// process runs device setup or teardown on a pool worker.
func (t *Tracker) process(ctx context.Context, ev connEvent) error {
	if ev.connected {
		return t.deviceConnected(ctx, ev)
	}
	return t.deviceDisconnected(ctx, ev)
}

func (t *Tracker) deviceConnected(ctx context.Context, ev connEvent) error {
	t.logger.Info("device connected", "device_id", ev.deviceID, "ip", ev.ip)
	if err := t.store.MarkConnected(ctx, ev.deviceID, ev.ip); err != nil {
		return errors.Wrap(err, "tracker", "deviceConnected", "mark connected")
	}
	if t.metrics != nil {
		t.metrics.DevicesConnected.Inc()
	}

	cfg, err := t.store.DeviceConfig(ctx, ev.deviceID)
	if err != nil {
		t.logger.Error("failed to load device config", "device_id", ev.deviceID, "error", err)
	} else if err := t.pusher.SendConfig(ev.deviceID, cfg); err != nil {
		t.logger.Error("failed to push device config", "device_id", ev.deviceID, "error", err)
	}

	frame := EncodeProtoSubscribe([]string{STTRequestProto}, time.Now().UnixMilli())
	if err := t.pusher.SendZMQFrame(ev.deviceID, frame); err != nil {
		t.logger.Error("failed to subscribe device bridge feed",
			"device_id", ev.deviceID, "error", err)
	}
	return nil
}

func (t *Tracker) deviceDisconnected(ctx context.Context, ev connEvent) error {
	t.logger.Info("device disconnected", "device_id", ev.deviceID)
	if err := t.store.MarkDisconnected(ctx, ev.deviceID); err != nil {
		return errors.Wrap(err, "tracker", "deviceDisconnected", "mark disconnected")
	}
	if t.metrics != nil {
		t.metrics.DevicesConnected.Dec()
	}
	if t.onDisconnect != nil {
		t.onDisconnect(ev.deviceID)
	}
	return nil
}

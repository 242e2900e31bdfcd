// Package server assembles the service: MQTT transport, device tracker,
// protocol router, inference client, metrics, and the HTTP listener for the
// preview chat and Prometheus scrapes. It replaces any implicit process-wide
// state with one explicit Server owning the full lifecycle.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbeghtol/openmoxie/config"
	"github.com/jbeghtol/openmoxie/errors"
	"github.com/jbeghtol/openmoxie/gateway"
	"github.com/jbeghtol/openmoxie/inference"
	"github.com/jbeghtol/openmoxie/markup"
	"github.com/jbeghtol/openmoxie/metric"
	"github.com/jbeghtol/openmoxie/pkg/worker"
	"github.com/jbeghtol/openmoxie/remotechat"
	"github.com/jbeghtol/openmoxie/store"
	"github.com/jbeghtol/openmoxie/transport"
	"github.com/jbeghtol/openmoxie/volley"
)

// Inbound device event names.
const (
	eventRemoteChat        = "remote-chat"
	eventRemoteChatStaging = "remote-chat-staging"
	eventActivityLog       = "client-service-activity-log"
	eventDeviceLogs        = "device-logs"
)

const (
	commandRemoteChat  = "remote_chat"
	commandQueryResult = "query_result"

	queryModules         = "modules"
	queryScheduleName    = "schedule"
	queryMentorBehaviors = "mentor_behaviors"

	subtopicQuery = "query"

	shutdownTimeout = 10 * time.Second
)

// CommandSender publishes command payloads to devices.
type CommandSender interface {
	SendCommand(deviceID, command string, payload any) error
}

// Deps carries optional server collaborators. Nil fields get defaults: an
// in-memory store, an inference client built from config, slog.Default.
type Deps struct {
	Store     store.Store
	Generator inference.Generator
	Logger    *slog.Logger
}

// Server is the application context owning every component's lifecycle.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.MetricsRegistry
	store    store.Store
	client   *transport.Client
	commands CommandSender
	router   *remotechat.Router
	tracker  *transport.Tracker
	globals  *remotechat.GlobalResponses

	queryPool  *worker.Pool[func(context.Context) error]
	httpServer *http.Server
}

// New wires a server from configuration. Nothing is connected until Start.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		globals:  remotechat.NewGlobalResponses(),
	}
	metrics := s.registry.CoreMetrics()

	s.store = deps.Store
	if s.store == nil {
		s.store = store.NewMemoryStore()
	}

	generator := deps.Generator
	if generator == nil {
		generator = inference.NewClient(inference.Config{
			BaseURL:           cfg.Inference.BaseURL,
			APIKey:            cfg.Inference.APIKey,
			Timeout:           cfg.Inference.Timeout(),
			RequestsPerSecond: cfg.Inference.RequestsPerSecond,
			Logger:            logger,
		})
	}

	client, err := transport.NewClient(transport.Config{
		Host:            cfg.MQTT.Host,
		Port:            cfg.MQTT.Port,
		ClientID:        cfg.MQTT.ClientID,
		UseTLS:          cfg.MQTT.UseTLS,
		ServiceDeviceID: cfg.MQTT.ServiceDeviceID,
		KeepAlive:       cfg.MQTT.KeepAlive(),
		ConnectTimeout:  cfg.MQTT.ConnectTimeoutDuration(),
	}, transport.Deps{
		Credentials: s.credentials,
		Handlers: transport.Handlers{
			DeviceEvent: s.onDeviceEvent,
			DeviceState: s.onDeviceState,
			BrokerLog:   s.onBrokerLog,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	s.client = client
	s.commands = client
	client.AddZMQHandler(transport.STTRequestProto, s.onSTTRequest)

	s.router = remotechat.NewRouter(remotechat.Config{
		Workers:   cfg.Chat.Workers,
		QueueSize: cfg.Chat.QueueSize,
	}, remotechat.Deps{
		Store:           s.store,
		Publisher:       client,
		Generator:       generator,
		Markup:          markup.NewRuleRenderer(),
		Globals:         s.globals,
		DeviceData:      s.deviceData,
		Logger:          logger,
		Metrics:         metrics,
		MetricsRegistry: s.registry,
	})

	s.tracker = transport.NewTracker(transport.TrackerConfig{
		Workers:   cfg.Chat.Workers,
		QueueSize: cfg.Chat.QueueSize,
	}, transport.TrackerDeps{
		Store:           s.store,
		Pusher:          client,
		OnDisconnect:    s.router.DeviceDisconnected,
		Logger:          logger,
		Metrics:         metrics,
		MetricsRegistry: s.registry,
	})

	s.queryPool = worker.NewPool(2, 32,
		func(ctx context.Context, t func(context.Context) error) error { return t(ctx) })

	return s, nil
}

// Router exposes the protocol router for admin operations.
func (s *Server) Router() *remotechat.Router {
	return s.router
}

// Globals exposes the global command table for wiring cross-module commands.
func (s *Server) Globals() *remotechat.GlobalResponses {
	return s.globals
}

// Start brings up the worker pools, loads the module registry, connects to
// the broker, and serves HTTP.
func (s *Server) Start(ctx context.Context) error {
	if err := s.router.RebuildFromStore(ctx); err != nil {
		return err
	}
	if err := s.router.Start(ctx); err != nil {
		return err
	}
	if err := s.tracker.Start(ctx); err != nil {
		return err
	}
	if err := s.queryPool.Start(ctx); err != nil {
		return errors.Wrap(err, "server", "Start", "start query pool")
	}
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	s.startHTTP()
	s.logger.Info("server started", "service", s.cfg.Service.Name)
	return nil
}

// Stop shuts everything down, draining worker pools up to shutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown failed", "error", err)
		}
	}
	s.client.Disconnect()
	var firstErr error
	for _, stop := range []func(time.Duration) error{
		s.tracker.Stop, s.router.Stop, s.queryPool.Stop,
	} {
		if err := stop(shutdownTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.logger.Info("server stopped")
	return firstErr
}

func (s *Server) startHTTP() {
	if s.cfg.HTTP.ListenAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		s.registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.Handle("/ws/chat", gateway.NewHandler(gateway.Deps{
		Sessions: s.router,
		Markup:   markup.NewRuleRenderer(),
		Globals:  s.globals,
		Logger:   s.logger,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("http listening", "addr", s.cfg.HTTP.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
		}
	}()
}

// credentials supplies broker credentials, re-reading the token file each
// time so rotated tokens apply on reconnect.
func (s *Server) credentials() (string, string) {
	username := s.cfg.MQTT.Username
	if s.cfg.MQTT.TokenFile == "" {
		return username, ""
	}
	data, err := os.ReadFile(s.cfg.MQTT.TokenFile)
	if err != nil {
		s.logger.Error("failed to read broker token", "path", s.cfg.MQTT.TokenFile, "error", err)
		return username, ""
	}
	return username, strings.TrimSpace(string(data))
}

// activityLogEvent is a client-service-activity-log payload.
type activityLogEvent struct {
	Subtopic  string `json:"subtopic"`
	Query     string `json:"query"`
	RequestID string `json:"request_id"`
}

// deviceLogLine is a structured per-device log line, observational only.
type deviceLogLine struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// catalogReply answers a module discovery query.
type catalogReply struct {
	Command   string             `json:"command"`
	Result    int                `json:"result"`
	EventID   string             `json:"event_id"`
	QueryData remotechat.Catalog `json:"query_data"`
}

// queryReply answers a schedule or mentor-behavior query.
type queryReply struct {
	Command         string          `json:"command"`
	RequestID       string          `json:"request_id"`
	Schedule        json.RawMessage `json:"schedule,omitempty"`
	MentorBehaviors json.RawMessage `json:"mentor_behaviors,omitempty"`
}

// onDeviceEvent dispatches one device event by name. It runs on the
// transport callback; anything that can block goes to a worker pool.
func (s *Server) onDeviceEvent(deviceID, event string, payload []byte) {
	switch event {
	case eventRemoteChat, eventRemoteChatStaging:
		s.onRemoteChat(deviceID, payload)
	case eventActivityLog:
		s.onActivityLog(deviceID, payload)
	case eventDeviceLogs:
		var line deviceLogLine
		if err := json.Unmarshal(payload, &line); err == nil {
			s.logger.Debug("device log", "device_id", deviceID, "tag", line.Tag, "message", line.Message)
		}
	default:
		s.logger.Debug("unhandled device event", "device_id", deviceID, "event", event)
	}
}

func (s *Server) onRemoteChat(deviceID string, payload []byte) {
	var req volley.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("malformed remote chat request", "device_id", deviceID, "error", err)
		return
	}
	switch {
	case req.Backend == volley.BackendData && req.Query != nil && req.Query.Query == queryModules:
		reply := catalogReply{
			Command:   commandRemoteChat,
			EventID:   req.EventID,
			QueryData: s.router.ModulesInfo(),
		}
		s.submitQuery(deviceID, func(context.Context) error {
			return s.commands.SendCommand(deviceID, commandRemoteChat, reply)
		})
	case req.Backend == volley.BackendRouter:
		s.router.HandleRequest(deviceID, req)
	}
}

func (s *Server) onActivityLog(deviceID string, payload []byte) {
	var ev activityLogEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Subtopic != subtopicQuery {
		return
	}
	switch ev.Query {
	case queryScheduleName:
		s.submitQuery(deviceID, func(ctx context.Context) error {
			schedule, err := s.store.Schedule(ctx, deviceID)
			if err != nil {
				return err
			}
			return s.commands.SendCommand(deviceID, commandQueryResult, queryReply{
				Command:   commandQueryResult,
				RequestID: ev.RequestID,
				Schedule:  schedule,
			})
		})
	case queryMentorBehaviors:
		s.submitQuery(deviceID, func(ctx context.Context) error {
			behaviors, err := s.store.MentorBehaviors(ctx, deviceID)
			if err != nil {
				return err
			}
			return s.commands.SendCommand(deviceID, commandQueryResult, queryReply{
				Command:         commandQueryResult,
				RequestID:       ev.RequestID,
				MentorBehaviors: behaviors,
			})
		})
	}
}

func (s *Server) submitQuery(deviceID string, t func(context.Context) error) {
	if err := s.queryPool.Submit(t); err != nil {
		s.logger.Warn("dropping device query", "device_id", deviceID, "error", err)
	}
}

// deviceData fetches the device's config blob for volley handlers. The
// router calls it from pool workers, never from the receive callback.
func (s *Server) deviceData(ctx context.Context, deviceID string) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	data, err := s.store.DeviceConfig(ctx, deviceID)
	if err != nil {
		s.logger.Debug("no device config", "device_id", deviceID, "error", err)
		return nil
	}
	return data
}

func (s *Server) onDeviceState(deviceID string, payload []byte) {
	s.logger.Debug("device state", "device_id", deviceID, "state", string(payload))
}

func (s *Server) onBrokerLog(subtopic, line string) {
	s.tracker.HandleBrokerLog(subtopic, line)
}

func (s *Server) onSTTRequest(deviceID, typeName string, payload []byte) {
	s.logger.Debug("speech-to-text request received",
		"device_id", deviceID, "type", typeName, "bytes", len(payload))
}

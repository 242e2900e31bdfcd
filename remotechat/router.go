// Package remotechat routes remote chat requests to per-device conversation
// sessions. It owns the module registry (rebuilt wholesale from the config
// store), the per-device session map, and the worker pool that keeps
// inference off the transport callback thread.
package remotechat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jbeghtol/openmoxie/conversation"
	"github.com/jbeghtol/openmoxie/errors"
	"github.com/jbeghtol/openmoxie/inference"
	"github.com/jbeghtol/openmoxie/markup"
	"github.com/jbeghtol/openmoxie/metric"
	"github.com/jbeghtol/openmoxie/pkg/worker"
	"github.com/jbeghtol/openmoxie/store"
	"github.com/jbeghtol/openmoxie/volley"
)

// responseCommand is the command topic name for remote chat replies.
const responseCommand = "remote_chat"

// fallbackLine answers requests for module keys this service does not host.
const fallbackLine = "I'm sorry. Can  you repeat that?"

// Publisher sends a command payload to one device.
type Publisher interface {
	SendCommand(deviceID, command string, payload any) error
}

type task func(context.Context) error

// Config holds router tuning.
type Config struct {
	// Workers and QueueSize size the worker pool. Zero values use the pool
	// defaults.
	Workers   int
	QueueSize int
}

// DeviceDataSource resolves device-scoped persistent data for volley
// handlers. It runs on pool workers, so it may block on the store.
type DeviceDataSource func(ctx context.Context, deviceID string) map[string]any

// Deps carries the router's collaborators. Logger may be nil; Globals,
// Markup, DeviceData, Metrics and MetricsRegistry are optional.
type Deps struct {
	Store      store.ChatStore
	Publisher  Publisher
	Generator  inference.Generator
	Markup     markup.Renderer
	Globals    GlobalMatcher
	DeviceData DeviceDataSource
	Logger     *slog.Logger

	Metrics         *metric.Metrics
	MetricsRegistry *metric.MetricsRegistry
}

// deviceSession pairs a live session with the module key it serves.
type deviceSession struct {
	key     string
	session *conversation.Session
}

// Router is the protocol router for remote chat events.
type Router struct {
	store      store.ChatStore
	publisher  Publisher
	generator  inference.Generator
	markup     markup.Renderer
	globals    GlobalMatcher
	deviceData DeviceDataSource
	logger     *slog.Logger
	metrics    *metric.Metrics

	registry atomic.Pointer[registry]
	pool     *worker.Pool[task]

	mu       sync.Mutex
	sessions map[string]*deviceSession
}

// NewRouter creates a router. The pool is not started until Start.
func NewRouter(cfg Config, deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		store:      deps.Store,
		publisher:  deps.Publisher,
		generator:  deps.Generator,
		markup:     deps.Markup,
		globals:    deps.Globals,
		deviceData: deps.DeviceData,
		logger:     logger,
		metrics:    deps.Metrics,
		sessions:   map[string]*deviceSession{},
	}
	r.registry.Store(emptyRegistry())

	var opts []worker.Option[task]
	if deps.MetricsRegistry != nil {
		opts = append(opts, worker.WithMetricsRegistry[task](deps.MetricsRegistry, "remotechat"))
	}
	r.pool = worker.NewPool(cfg.Workers, cfg.QueueSize,
		func(ctx context.Context, t task) error { return t(ctx) }, opts...)
	return r
}

// Start launches the worker pool.
func (r *Router) Start(ctx context.Context) error {
	if err := r.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "router", "Start", "start worker pool")
	}
	return nil
}

// Stop drains the worker pool, waiting up to timeout for in-flight work.
func (r *Router) Stop(timeout time.Duration) error {
	if err := r.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "router", "Stop", "stop worker pool")
	}
	return nil
}

// RegisterModule registers a factory directly under moduleId/contentId
// (content may be pipe-delimited). The registry snapshot is replaced
// copy-on-write, never edited in place.
func (r *Router) RegisterModule(moduleID, contentID string, factory SessionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.registry.Load()
	b := newRegistryBuilder()
	for _, mod := range old.catalog.Modules {
		for _, ci := range mod.ContentInfos {
			key := mod.Info.ID + "/" + ci.Info.ID
			b.add(mod.Info.ID, ci.Info.ID, old.factories[key])
		}
	}
	b.add(moduleID, contentID, factory)
	r.registry.Store(b.build())
}

// RebuildFromStore queries the config store for all chat configurations,
// builds a brand-new registry and catalog, and swaps both in atomically.
func (r *Router) RebuildFromStore(ctx context.Context) error {
	configs, err := r.store.ListChatConfigs(ctx)
	if err != nil {
		return errors.Wrap(err, "router", "RebuildFromStore", "list chat configs")
	}
	b := newRegistryBuilder()
	for _, cfg := range configs {
		r.logger.Debug("registering module", "module_id", cfg.ModuleID, "content_id", cfg.ContentID)
		b.add(cfg.ModuleID, cfg.ContentID, r.factoryFor(cfg))
	}
	r.registry.Store(b.build())
	return nil
}

// ModulesInfo returns the current catalog snapshot for discovery queries.
func (r *Router) ModulesInfo() Catalog {
	return r.registry.Load().catalog
}

// factoryFor builds a session factory from a stored chat configuration. An
// unknown filter hook name is logged and the session runs without hooks.
func (r *Router) factoryFor(cfg store.ChatConfig) SessionFactory {
	hooks, err := conversation.LookupHooks(cfg.FilterHook)
	if err != nil {
		r.logger.Warn("unknown filter hook, continuing without",
			"hook", cfg.FilterHook, "module_id", cfg.ModuleID, "error", err)
		hooks = conversation.Hooks{}
	}
	convCfg := conversation.Config{
		Prompt:     cfg.Prompt,
		Opener:     cfg.Opener,
		MaxHistory: cfg.MaxHistory,
		MaxTurns:   cfg.MaxTurns,
		Model: inference.ModelParams{
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		},
		Hooks: hooks,
	}
	return func() *conversation.Session {
		return conversation.NewSession(convCfg, conversation.Deps{
			Generator: r.generator,
			Logger:    r.logger,
		})
	}
}

// HandleRequest is the entry point for one remote chat event. It must return
// quickly: anything that can block, including device data lookups, runs on
// the worker pool.
func (r *Router) HandleRequest(deviceID string, req volley.Request) {
	key := req.ModuleKey()
	cmd := req.Command
	r.logger.Debug("handling remote chat request",
		"device_id", deviceID, "command", cmd, "key", key)

	// Global commands preempt everything, including unregistered modules.
	if cmd != volley.CommandNotify && r.globals != nil {
		v := volley.New(req)
		if handler := r.globals.Match(v); handler != nil {
			r.submit(deviceID, func(ctx context.Context) error {
				r.attachDeviceData(ctx, deviceID, v)
				handler(v)
				r.publish(deviceID, v)
				return nil
			})
			return
		}
	}

	factory, registered := r.registry.Load().factories[key]
	if !registered {
		// On-device content owns the conversation now; any remote session
		// for this device is finished.
		r.dropSession(deviceID, key)
		if cmd != volley.CommandNotify {
			v := volley.New(req)
			r.submit(deviceID, func(ctx context.Context) error {
				v.SetOutput(fallbackLine, fallbackLine)
				v.SetOutputType(volley.OutputTypeFallback)
				r.publish(deviceID, v)
				return nil
			})
		}
		return
	}

	sess := r.session(deviceID, key, factory)
	if cmd == volley.CommandNotify {
		r.submit(deviceID, func(ctx context.Context) error {
			sess.IngestNotify(req)
			return nil
		})
		return
	}

	v := volley.New(req)
	r.submit(deviceID, func(ctx context.Context) error {
		r.createSessionResponse(ctx, deviceID, key, sess, v)
		return nil
	})
}

func (r *Router) attachDeviceData(ctx context.Context, deviceID string, v *volley.Volley) {
	if r.deviceData == nil {
		return
	}
	v.DeviceData = r.deviceData(ctx, deviceID)
}

func (r *Router) submit(deviceID string, t task) {
	if err := r.pool.Submit(t); err != nil {
		r.logger.Warn("dropping remote chat work", "device_id", deviceID, "error", err)
		if r.metrics != nil {
			r.metrics.ErrorsTotal.WithLabelValues("router", errors.Classify(err).String()).Inc()
		}
	}
}

// createSessionResponse runs on a pool worker: drive the session, enrich
// plain text with markup, and publish unless the device has moved on to a
// different module key while we were working.
func (r *Router) createSessionResponse(ctx context.Context, deviceID, key string, sess *conversation.Session, v *volley.Volley) {
	start := time.Now()
	r.attachDeviceData(ctx, deviceID, v)
	sess.HandleVolley(ctx, v)
	if r.metrics != nil {
		r.metrics.ProcessingDuration.WithLabelValues("router", "session_response").
			Observe(time.Since(start).Seconds())
	}
	if r.sessionKey(deviceID) != key {
		r.logger.Debug("discarding stale response",
			"device_id", deviceID, "key", key)
		if r.metrics != nil {
			r.metrics.MessagesProcessed.WithLabelValues("router", v.Request.Command, "stale").Inc()
		}
		return
	}
	if r.metrics != nil {
		r.metrics.MessagesProcessed.WithLabelValues("router", v.Request.Command, "ok").Inc()
	}
	r.publish(deviceID, v)
}

func (r *Router) publish(deviceID string, v *volley.Volley) {
	if out := v.Response.Output; out.Text != "" && out.Markup == "" && r.markup != nil {
		v.SetOutput(out.Text, r.markup.Render(out.Text, ""))
	}
	if err := r.publisher.SendCommand(deviceID, responseCommand, v.Response); err != nil {
		r.logger.Error("failed to publish remote chat response",
			"device_id", deviceID, "event_id", v.Request.EventID, "error", err)
		if r.metrics != nil {
			r.metrics.ErrorsTotal.WithLabelValues("router", errors.Classify(err).String()).Inc()
		}
	}
}

// session returns the device's session for key, creating one (and finalizing
// any session for a different key) as needed. One session per device.
func (r *Router) session(deviceID, key string, factory SessionFactory) *conversation.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[deviceID]; ok {
		if cur.key == key {
			return cur.session
		}
		r.finalizeLocked(deviceID, cur)
	}
	sess := factory()
	r.sessions[deviceID] = &deviceSession{key: key, session: sess}
	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
	}
	return sess
}

// sessionKey reports the module key of the device's current session, or "".
func (r *Router) sessionKey(deviceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[deviceID]; ok {
		return cur.key
	}
	return ""
}

// SessionFor exposes the device's session for a registered key, creating it
// if needed. Preview clients use this to drive a session without a device.
func (r *Router) SessionFor(deviceID, moduleID, contentID string) (*conversation.Session, error) {
	key := moduleID + "/" + contentID
	factory, ok := r.registry.Load().factories[key]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrModuleNotFound, "router", "SessionFor", "resolve "+key)
	}
	return r.session(deviceID, key, factory), nil
}

// dropSession finalizes and removes the device's session, if any.
func (r *Router) dropSession(deviceID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[deviceID]; ok {
		delete(r.sessions, deviceID)
		r.finalizeLocked(deviceID, cur)
		r.logger.Debug("session dropped for local content",
			"device_id", deviceID, "requested_key", key)
	}
}

// DeviceDisconnected releases the device's in-memory session state.
func (r *Router) DeviceDisconnected(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[deviceID]; ok {
		delete(r.sessions, deviceID)
		r.finalizeLocked(deviceID, cur)
	}
}

func (r *Router) finalizeLocked(deviceID string, ds *deviceSession) {
	r.logger.Info("chat session complete", "device_id", deviceID, "key", ds.key)
	ds.session.Finalize()
	if r.metrics != nil {
		r.metrics.SessionsActive.Dec()
	}
}

// Package conversation implements the per-device chat session state machine:
// bounded history, turn counting, overflow and exit detection, and response
// generation against an inference backend. Sessions are driven by a router
// that feeds them volleys and notify events; all session methods are safe for
// concurrent use.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"github.com/jbeghtol/openmoxie/errors"
	"github.com/jbeghtol/openmoxie/inference"
	"github.com/jbeghtol/openmoxie/volley"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	defaultMaxHistory = 20
	defaultMaxTurns   = 9999

	defaultPrompt = "You are a having a conversation with your friend. " +
		"Make it interesting and keep the conversation moving forward. " +
		"Your utterances are around 30-40 words long. Ask only one question " +
		"per response and ask it at the end of your response."
	defaultOpener   = "Hi there!  Welcome to Open Moxie chat!"
	defaultExitLine = "Well, that was fun.  Let's move on."

	// fillerSpeech stands in for user speech on a bare reprompt.
	fillerSpeech = "hm"

	// inferenceApology is spoken when the inference backend fails.
	inferenceApology = "Oh no.  I have run into a bug"

	// exitMarker is the token a model emits to request ending the conversation.
	exitMarker = "<exit>"

	// animationMarker flags device speech that is stage direction, not dialogue.
	animationMarker = "animation:"
)

// tagPattern matches tag-like substrings stripped from visible output.
var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Config describes one conversation module's behavior.
type Config struct {
	// Prompt is the system prompt, parsed as a text/template with the
	// current volley available as {{.Volley}}.
	Prompt string
	// Opener holds one or more |-delimited opening lines; one is chosen at
	// random each time the conversation starts.
	Opener string
	// ExitLine is appended to the final response when the session overflows.
	ExitLine string
	// MaxHistory bounds the history buffer.
	MaxHistory int
	// MaxTurns bounds the canonical turn count before overflow.
	MaxTurns int
	// Model holds the inference parameters.
	Model inference.ModelParams
	// Hooks are optional pre/post filters around volley handling.
	Hooks Hooks
}

// Deps carries the session's collaborators.
type Deps struct {
	Generator inference.Generator
	Logger    *slog.Logger
}

// Session is one device's dialogue state for one conversation module. The
// canonical history comes from notify events; speculative speech added while
// generating a response lives on clones until the device confirms it.
type Session struct {
	mu sync.Mutex

	cfg       Config
	generator inference.Generator
	logger    *slog.Logger

	history       *History
	turns         int
	localData     map[string]any
	autoHistory   bool
	exitRequested bool

	promptTmpl *template.Template
}

// NewSession creates a session for cfg. A nil logger falls back to
// slog.Default.
func NewSession(cfg Config, deps Deps) *Session {
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}
	if cfg.Opener == "" {
		cfg.Opener = defaultOpener
	}
	if cfg.ExitLine == "" {
		cfg.ExitLine = defaultExitLine
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		cfg:       cfg,
		generator: deps.Generator,
		logger:    logger,
		history:   NewHistory(cfg.MaxHistory),
		localData: make(map[string]any),
	}
	tmpl, err := template.New("prompt").Parse(cfg.Prompt)
	if err != nil {
		// Fall back to the raw prompt text.
		logger.Warn("prompt template parse failed, using raw prompt", "error", err)
	} else {
		s.promptTmpl = tmpl
	}
	return s
}

// SetAutoHistory switches the session into auto-history mode, used by
// preview clients that have no notify channel behind them.
func (s *Session) SetAutoHistory(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoHistory = on
}

// LocalData returns the session's scratch data map.
func (s *Session) LocalData() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localData
}

// Empty reports whether the session has no history.
func (s *Session) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Empty()
}

// Turns returns the canonical turn count.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Overflow reports whether the conversation has reached its end: the turn
// limit is exhausted or an exit was explicitly requested.
func (s *Session) Overflow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowLocked()
}

func (s *Session) overflowLocked() bool {
	return s.turns >= s.cfg.MaxTurns || s.exitRequested
}

// recordTurn appends to the canonical history and counts the turn.
func (s *Session) recordTurn(role, content string) {
	s.history.Append(role, content)
	s.turns++
}

// IngestNotify feeds a notify event into the canonical history: side-channel
// input lines are what the user said, the primary speech field is what the
// device said (unless it is an animation marker).
func (s *Session) IngestNotify(req volley.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range req.ExtraLines {
		if line.ContextType == "input" {
			s.recordTurn(RoleUser, line.Text)
		}
	}
	if req.Speech != "" && !strings.Contains(req.Speech, animationMarker) {
		s.recordTurn(RoleAssistant, req.Speech)
	}
}

// HandleVolley populates v's response from the session state. Failures are
// absorbed: the response is reset to a well-formed apology and the error is
// logged, never returned.
func (s *Session) HandleVolley(ctx context.Context, v *volley.Volley) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.LocalData = s.localData

	defer func() {
		if r := recover(); r != nil {
			s.failVolley(v, fmt.Errorf("panic: %v", r))
		}
	}()

	if s.cfg.Hooks.Pre != nil {
		s.logger.Debug("running volley pre-filter")
		handled, err := s.cfg.Hooks.Pre(v, s)
		if err != nil {
			s.failVolley(v, errors.Wrap(err, "conversation", "HandleVolley", "pre-filter"))
			return
		}
		if handled {
			return
		}
	}

	var text string
	var overflow bool
	cmd := v.Request.Command
	if cmd == volley.CommandPrompt || (cmd == volley.CommandReprompt && s.history.Empty()) {
		text, overflow = s.opener()
	} else {
		speech := v.Request.Speech
		if cmd == volley.CommandReprompt {
			speech = fillerSpeech
		}
		text, overflow = s.nextResponse(ctx, speech, s.makeVolleyContext(v))
	}
	v.SetOutput(text, "")
	if overflow {
		v.AddLaunchOrExit()
	}

	if s.cfg.Hooks.Post != nil {
		s.logger.Debug("running volley post-filter")
		if err := s.cfg.Hooks.Post(v, s); err != nil {
			s.failVolley(v, errors.Wrap(err, "conversation", "HandleVolley", "post-filter"))
		}
	}
}

// failVolley flushes any partial response and replaces it with an apology.
func (s *Session) failVolley(v *volley.Volley, err error) {
	s.logger.Error("error handling volley",
		"event_id", v.Request.EventID,
		"command", v.Request.Command,
		"error", err)
	v.ResetResponse(0, volley.OutputTypeGlobal)
	v.SetOutput(inferenceApology, "")
}

// makeVolleyContext renders the system prompt for this volley.
func (s *Session) makeVolleyContext(v *volley.Volley) []inference.Message {
	prompt := s.cfg.Prompt
	if s.promptTmpl != nil {
		var sb strings.Builder
		if err := s.promptTmpl.Execute(&sb, struct{ Volley *volley.Volley }{v}); err == nil {
			prompt = sb.String()
		} else {
			s.logger.Warn("prompt template render failed, using raw prompt", "error", err)
		}
	}
	return []inference.Message{{Role: inference.RoleSystem, Content: prompt}}
}

// opener starts (or restarts) the conversation: history resets and a random
// opening line is chosen. The canonical counter advances only through notify,
// so the opener is counted toward its own overflow decision without being
// persisted: a single-turn conversation still overflows immediately, and the
// device's notify of the opener speech records the turn exactly once.
func (s *Session) opener() (string, bool) {
	candidates := strings.Split(s.cfg.Opener, "|")
	text := candidates[rand.IntN(len(candidates))]
	s.history.Reset()
	if s.autoHistory {
		s.history.Append(RoleAssistant, text)
	}
	return text, s.turns+1 >= s.cfg.MaxTurns || s.exitRequested
}

// nextResponse generates the reply to speech. In auto-history mode speech
// lands in the live history; otherwise it goes on a clone and the canonical
// record arrives later via notify.
func (s *Session) nextResponse(ctx context.Context, speech string, promptContext []inference.Message) (string, bool) {
	overflow := s.overflowLocked()

	var hist *History
	if s.autoHistory {
		s.recordTurn(RoleUser, speech)
		hist = s.history
	} else {
		hist = s.history.Clone()
		hist.Append(RoleUser, speech)
	}

	messages := append(promptContext, hist.Messages()...)
	text, err := s.generate(ctx, messages)
	if err != nil {
		s.logger.Warn("inference failed, substituting apology",
			"error", err, "model", s.cfg.Model.Model)
		text = inferenceApology
	} else {
		if strings.Contains(text, exitMarker) {
			s.logger.Info("exit tag detected in response")
			s.exitRequested = true
			overflow = true
		}
		text = tagPattern.ReplaceAllString(text, "")
	}
	if overflow {
		text += " " + s.cfg.ExitLine
	}
	if s.autoHistory {
		s.history.Append(RoleAssistant, text)
	}
	return text, overflow
}

func (s *Session) generate(ctx context.Context, messages []inference.Message) (string, error) {
	if s.generator == nil {
		return "", errors.ErrInferenceUnavailable
	}
	return s.generator.Generate(ctx, messages, s.cfg.Model)
}

// Finalize marks the end of this session's ownership of the device, logging a
// summary. It does not mutate external state; the router drops the session
// after calling it.
func (s *Session) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("session finalized",
		"turns", s.turns,
		"history_len", s.history.Len(),
		"exit_requested", s.exitRequested)
}

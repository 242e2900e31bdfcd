// Package volley implements the request/response envelope of the remote chat
// protocol. A Volley is one exchange: the raw request from a device and the
// structured response built up while handling it. It is pure data and logic
// with no I/O.
package volley

import (
	"github.com/google/uuid"
)

// Commands carried by remote chat requests.
const (
	CommandPrompt   = "prompt"
	CommandReprompt = "reprompt"
	CommandContinue = "continue"
	CommandNotify   = "notify"
)

// Backends identify which service a request addresses.
const (
	BackendData   = "data"
	BackendRouter = "router"
)

// Output types attached to response actions.
const (
	OutputTypeGlobal   = "GLOBAL_RESPONSE"
	OutputTypeFallback = "FALLBACK"
)

// responseCommand is the fixed command echoed on every response.
const responseCommand = "remote_chat"

// ExtraLine is a side-channel input line on a request. Lines with context
// type "input" carry user speech heard by the device.
type ExtraLine struct {
	ContextType string `json:"context_type"`
	Text        string `json:"text"`
}

// ModuleRef identifies a module/content pairing, used in exit recommendations.
type ModuleRef struct {
	ModuleID  string `json:"module_id"`
	ContentID string `json:"content_id,omitempty"`
}

// Recommend carries the device's recommended next modules.
type Recommend struct {
	Exits []ModuleRef `json:"exits,omitempty"`
}

// Query is an embedded discovery query on a request.
type Query struct {
	Query string `json:"query"`
}

// Request is a remote chat request as decoded from the wire.
type Request struct {
	EventID    string      `json:"event_id"`
	Command    string      `json:"command"`
	Speech     string      `json:"speech,omitempty"`
	ModuleID   string      `json:"module_id,omitempty"`
	ContentID  string      `json:"content_id,omitempty"`
	Backend    string      `json:"backend,omitempty"`
	Query      *Query      `json:"query,omitempty"`
	Recommend  *Recommend  `json:"recommend,omitempty"`
	ExtraLines []ExtraLine `json:"extra_lines,omitempty"`
}

// ModuleKey returns the composite module/content key for this request.
func (r Request) ModuleKey() string {
	return r.ModuleID + "/" + r.ContentID
}

// Output is the speech output of a response.
type Output struct {
	Text   string `json:"text"`
	Markup string `json:"markup,omitempty"`
}

// Response is the reply sent back to the device. Consumers that predate
// multi-action responses read ResponseAction; it always mirrors the first
// entry of ResponseActions.
type Response struct {
	Command         string   `json:"command"`
	Result          int      `json:"result"`
	Backend         string   `json:"backend,omitempty"`
	EventID         string   `json:"event_id"`
	Output          Output   `json:"output"`
	ResponseActions []Action `json:"response_actions"`
	Fallback        bool     `json:"fallback"`
	ResponseAction  Action   `json:"response_action"`
	InputSpeech     string   `json:"input_speech,omitempty"`
}

// Volley holds one request/response pair plus the data scopes visible to
// session handlers: device-persistent data and session-local scratch data.
type Volley struct {
	Request  Request
	Response Response

	// DeviceData is device-scoped persistent data, owned by the store.
	DeviceData map[string]any
	// LocalData is session-scoped scratch data, owned by the session.
	LocalData map[string]any

	// actionSet tracks whether a real action has replaced the seeded
	// placeholder. The first real action becomes the primary and stays so.
	actionSet bool
}

// New creates a Volley for the given request with a default ok response.
func New(req Request) *Volley {
	v := &Volley{Request: req}
	v.ResetResponse(0, OutputTypeGlobal)
	return v
}

// FromSpeech builds a synthetic volley, used by preview clients that have no
// device behind them. Empty speech produces a prompt command.
func FromSpeech(speech, moduleID, contentID string) *Volley {
	req := Request{
		EventID: uuid.NewString(),
		Backend: BackendRouter,
	}
	if speech != "" {
		req.Command = CommandContinue
		req.Speech = speech
	} else {
		req.Command = CommandPrompt
	}
	req.ModuleID = moduleID
	req.ContentID = contentID
	return New(req)
}

// ResetResponse replaces the response with a fresh envelope, discarding any
// partially built output and actions. Used to flush state after a handler
// failure so the device always receives a well-formed reply.
func (v *Volley) ResetResponse(result int, outputType string) {
	seed := Action{OutputType: outputType}
	v.Response = Response{
		Command:         responseCommand,
		Result:          result,
		Backend:         v.Request.Backend,
		EventID:         v.Request.EventID,
		ResponseActions: []Action{seed},
		ResponseAction:  seed,
		InputSpeech:     v.Request.Speech,
	}
	v.actionSet = false
}

// SetOutput sets the response output text and, when non-empty, its markup.
func (v *Volley) SetOutput(text, markup string) {
	v.Response.Output.Text = text
	if markup != "" {
		v.Response.Output.Markup = markup
	}
}

// SetOutputType overwrites the output type on the primary action and the
// first action list entry.
func (v *Volley) SetOutputType(outputType string) {
	v.Response.ResponseAction.OutputType = outputType
	if len(v.Response.ResponseActions) > 0 {
		v.Response.ResponseActions[0].OutputType = outputType
	}
}

// addAction applies the first-wins primary rule: the first real action
// replaces the seeded placeholder as both the sole list entry and the
// primary; later actions append to the list only.
func (v *Volley) addAction(action Action) {
	if v.actionSet {
		v.Response.ResponseActions = append(v.Response.ResponseActions, action)
		return
	}
	v.Response.ResponseActions = []Action{action}
	v.Response.ResponseAction = action
	v.actionSet = true
}

// AddAction adds a fully specified action, following the first-wins rule.
func (v *Volley) AddAction(action Action) {
	if action.OutputType == "" {
		action.OutputType = OutputTypeGlobal
	}
	v.addAction(action)
}

// AddResponseAction adds a named action with optional module/content target.
func (v *Volley) AddResponseAction(kind ActionKind, moduleID, contentID string) {
	v.addAction(Action{
		Action:     kind,
		OutputType: OutputTypeGlobal,
		ModuleID:   moduleID,
		ContentID:  contentID,
	})
}

// AddExecutionAction adds an execute action invoking a device-side function.
func (v *Volley) AddExecutionAction(functionID string, args map[string]any) {
	v.addAction(Action{
		Action:       ActionExecute,
		OutputType:   OutputTypeGlobal,
		FunctionID:   functionID,
		FunctionArgs: args,
	})
}

// AddLaunchOrExit adds a launch action targeting the request's first
// recommended exit; when the request carries no recommendation, it adds a
// plain exit_module action instead.
func (v *Volley) AddLaunchOrExit() {
	if v.Request.Recommend != nil && len(v.Request.Recommend.Exits) > 0 {
		next := v.Request.Recommend.Exits[0]
		v.AddResponseAction(ActionLaunch, next.ModuleID, next.ContentID)
		return
	}
	v.AddResponseAction(ActionExitModule, "", "")
}

// UpdateSubscriptions attaches a subscription-change directive to the
// primary action and the first list entry.
func (v *Volley) UpdateSubscriptions(events []string, clear bool) {
	sub := &SubscriptionUpdate{Events: events, Clear: clear}
	v.Response.ResponseAction.Subscriptions = sub
	if len(v.Response.ResponseActions) > 0 {
		v.Response.ResponseActions[0].Subscriptions = sub
	}
}

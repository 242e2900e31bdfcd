package volley

import (
	"fmt"
	"strings"
)

// ActionKind enumerates the closed set of response action kinds.
type ActionKind string

// Response action kinds understood by devices.
const (
	// ActionLaunch tells the device to launch another module immediately.
	ActionLaunch ActionKind = "launch"
	// ActionLaunchIfConfirmed launches after the device confirms with the user.
	ActionLaunchIfConfirmed ActionKind = "launch_if_confirmed"
	// ActionExitModule ends the current module.
	ActionExitModule ActionKind = "exit_module"
	// ActionExecute invokes a device-side function by id.
	ActionExecute ActionKind = "execute"
)

// SubscriptionUpdate directs the device to change its event subscriptions.
type SubscriptionUpdate struct {
	Events []string `json:"events,omitempty"`
	Clear  bool     `json:"clear,omitempty"`
}

// Action is one response action. Kind is empty on the seeded placeholder
// that carries only the default output type.
type Action struct {
	Action        ActionKind          `json:"action,omitempty"`
	OutputType    string              `json:"output_type,omitempty"`
	ModuleID      string              `json:"module_id,omitempty"`
	ContentID     string              `json:"content_id,omitempty"`
	FunctionID    string              `json:"function_id,omitempty"`
	FunctionArgs  map[string]any      `json:"function_args,omitempty"`
	Subscriptions *SubscriptionUpdate `json:"event_subscriptions,omitempty"`
}

// DebugString renders the output text plus a bracketed summary of every
// action in the list. Diagnostics only, never sent to devices.
func (v *Volley) DebugString() string {
	var b strings.Builder
	b.WriteString(v.Response.Output.Text)
	for _, ra := range v.Response.ResponseActions {
		switch ra.Action {
		case ActionLaunch, ActionLaunchIfConfirmed:
			fmt.Fprintf(&b, " [%s -> (%s, %s)]", ra.Action, ra.ModuleID, ra.ContentID)
		case ActionExecute:
			fmt.Fprintf(&b, " [%s -> (%s, %v)]", ra.Action, ra.FunctionID, ra.FunctionArgs)
		case ActionExitModule:
			fmt.Fprintf(&b, " [%s]", ra.Action)
		case "":
			// seeded placeholder, nothing to render
		default:
			fmt.Fprintf(&b, " [%s -> unsupported action]", ra.Action)
		}
	}
	return b.String()
}

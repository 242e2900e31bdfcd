package remotechat

import (
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"

	"github.com/jbeghtol/openmoxie/errors"
	"github.com/jbeghtol/openmoxie/volley"
)

// GlobalHandler completes a volley that matched a global command.
type GlobalHandler func(v *volley.Volley)

// GlobalMatcher checks a volley against cross-module commands. A non-nil
// handler preempts all module routing for that volley.
type GlobalMatcher interface {
	Match(v *volley.Volley) GlobalHandler
}

type globalRule struct {
	pattern   *regexp.Regexp
	responses []string
	action    *volley.Action
}

// GlobalResponses matches user speech against a rule list of commands that
// work inside (almost) any module, like asking to leave a conversation.
type GlobalResponses struct {
	mu    sync.RWMutex
	rules []globalRule
}

func NewGlobalResponses() *GlobalResponses {
	return &GlobalResponses{}
}

// AddCommand registers a speech pattern with |-delimited response candidates
// and an optional action attached to the reply. Patterns match
// case-insensitively against the full request speech.
func (g *GlobalResponses) AddCommand(pattern, responses string, action *volley.Action) error {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return errors.WrapInvalid(err, "global", "AddCommand", "compile "+pattern)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, globalRule{
		pattern:   re,
		responses: strings.Split(responses, "|"),
		action:    action,
	})
	return nil
}

// Match returns a handler for the first rule whose pattern matches the
// request speech, or nil when nothing matches.
func (g *GlobalResponses) Match(v *volley.Volley) GlobalHandler {
	if v.Request.Speech == "" {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, rule := range g.rules {
		if rule.pattern.MatchString(v.Request.Speech) {
			r := rule
			return func(v *volley.Volley) {
				v.SetOutput(r.responses[rand.IntN(len(r.responses))], "")
				if r.action != nil {
					v.AddAction(*r.action)
				}
			}
		}
	}
	return nil
}

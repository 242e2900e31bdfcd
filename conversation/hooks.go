package conversation

import (
	"strings"
	"sync"

	"github.com/jbeghtol/openmoxie/errors"
	"github.com/jbeghtol/openmoxie/volley"
)

// PreFilter runs before normal volley handling. Returning handled=true stops
// further processing, leaving whatever response the filter built in place.
type PreFilter func(v *volley.Volley, s *Session) (handled bool, err error)

// PostFilter observes or mutates the finished response.
type PostFilter func(v *volley.Volley, s *Session) error

// Hooks bundles the optional filters for one conversation config.
type Hooks struct {
	Pre  PreFilter
	Post PostFilter
}

var (
	hooksMu  sync.RWMutex
	hooksReg = map[string]Hooks{
		"exit_on_goodbye": {Pre: exitOnGoodbye},
	}
)

// RegisterHooks adds a named hook set; chat configs reference hooks by name.
// Registering an existing name replaces it.
func RegisterHooks(name string, h Hooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooksReg[name] = h
}

// LookupHooks resolves a hook name. The empty name resolves to no hooks.
func LookupHooks(name string) (Hooks, error) {
	if name == "" {
		return Hooks{}, nil
	}
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	h, ok := hooksReg[name]
	if !ok {
		return Hooks{}, errors.WrapInvalid(errors.ErrHookNotFound, "conversation", "LookupHooks", "resolve "+name)
	}
	return h, nil
}

// exitOnGoodbye requests an exit once the user says goodbye, letting short
// farewell phrases end a conversation without burning the turn budget.
func exitOnGoodbye(v *volley.Volley, s *Session) (bool, error) {
	speech := strings.ToLower(v.Request.Speech)
	if strings.Contains(speech, "goodbye") || strings.Contains(speech, "bye bye") {
		s.exitRequested = true
	}
	return false, nil
}

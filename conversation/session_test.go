package conversation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeghtol/openmoxie/inference"
	"github.com/jbeghtol/openmoxie/volley"
)

type fakeGenerator struct {
	reply string
	err   error

	calls  [][]inference.Message
	params inference.ModelParams
}

func (f *fakeGenerator) Generate(_ context.Context, messages []inference.Message, params inference.ModelParams) (string, error) {
	f.calls = append(f.calls, messages)
	f.params = params
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newTestSession(t *testing.T, cfg Config, gen inference.Generator) *Session {
	t.Helper()
	if gen == nil {
		gen = &fakeGenerator{reply: "Generated reply."}
	}
	return NewSession(cfg, Deps{Generator: gen})
}

func continueVolley(speech string) *volley.Volley {
	return volley.New(volley.Request{
		EventID:   "evt-1",
		Command:   volley.CommandContinue,
		Speech:    speech,
		ModuleID:  "OPENMOXIE_CHAT",
		ContentID: "default",
		Backend:   volley.BackendRouter,
	})
}

func TestHistoryMergesSameRole(t *testing.T) {
	h := NewHistory(10)
	h.Append(RoleUser, "hello")
	h.Append(RoleUser, "there")
	h.Append(RoleAssistant, "hi")

	entries := h.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "hello there", entries[0].Content)
	assert.Equal(t, RoleUser, entries[0].Role)
	assert.Equal(t, RoleAssistant, entries[1].Role)
}

func TestHistoryCapDropsOldest(t *testing.T) {
	h := NewHistory(3)
	h.Append(RoleUser, "one")
	h.Append(RoleAssistant, "two")
	h.Append(RoleUser, "three")
	h.Append(RoleAssistant, "four")

	entries := h.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "two", entries[0].Content)
	assert.Equal(t, "four", entries[2].Content)
}

func TestHistoryCloneIsIndependent(t *testing.T) {
	h := NewHistory(10)
	h.Append(RoleUser, "hello")

	clone := h.Clone()
	clone.Append(RoleAssistant, "hi")

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 2, clone.Len())
}

func TestSessionPromptProducesOpener(t *testing.T) {
	s := newTestSession(t, Config{Opener: "Hello!|Hi friend!|Hey there!"}, nil)

	v := volley.New(volley.Request{EventID: "e1", Command: volley.CommandPrompt})
	s.HandleVolley(context.Background(), v)

	assert.Contains(t, []string{"Hello!", "Hi friend!", "Hey there!"}, v.Response.Output.Text)
	assert.True(t, s.Empty(), "opener resets history")
}

func TestSessionRepromptOnEmptyHistoryProducesOpener(t *testing.T) {
	gen := &fakeGenerator{reply: "unused"}
	s := newTestSession(t, Config{Opener: "Welcome back!"}, gen)

	v := volley.New(volley.Request{EventID: "e1", Command: volley.CommandReprompt})
	s.HandleVolley(context.Background(), v)

	assert.Equal(t, "Welcome back!", v.Response.Output.Text)
	assert.Empty(t, gen.calls, "opener path must not call inference")
}

func TestSessionBareRepromptUsesFiller(t *testing.T) {
	gen := &fakeGenerator{reply: "Still here?"}
	s := newTestSession(t, Config{}, gen)
	s.IngestNotify(volley.Request{Speech: "Hi there!"})

	v := volley.New(volley.Request{EventID: "e1", Command: volley.CommandReprompt})
	s.HandleVolley(context.Background(), v)

	require.Len(t, gen.calls, 1)
	last := gen.calls[0][len(gen.calls[0])-1]
	assert.Equal(t, RoleUser, last.Role)
	assert.Equal(t, fillerSpeech, last.Content)
}

func TestSessionSingleTurnOverflowsAtOpener(t *testing.T) {
	s := newTestSession(t, Config{Opener: "Quick hello!", MaxTurns: 1}, nil)

	v := volley.New(volley.Request{EventID: "e1", Command: volley.CommandPrompt})
	s.HandleVolley(context.Background(), v)

	assert.Equal(t, "Quick hello!", v.Response.Output.Text)
	assert.Equal(t, volley.ActionExitModule, v.Response.ResponseAction.Action)
}

func TestSessionOpenerCountsOnceViaNotify(t *testing.T) {
	gen := &fakeGenerator{reply: "Glad you asked."}
	s := newTestSession(t, Config{Opener: "Hi!", MaxTurns: 2, ExitLine: "Bye."}, gen)

	v := volley.New(volley.Request{EventID: "e1", Command: volley.CommandPrompt})
	s.HandleVolley(context.Background(), v)
	assert.Equal(t, 0, s.Turns(), "canonical counter advances only via notify")
	assert.NotEqual(t, volley.ActionExitModule, v.Response.ResponseAction.Action)

	// The device reports the opener speech; that records the turn exactly once.
	s.IngestNotify(volley.Request{Speech: "Hi!"})
	require.Equal(t, 1, s.Turns())

	// A two-turn conversation survives its first user exchange.
	v2 := continueVolley("tell me something")
	s.HandleVolley(context.Background(), v2)
	assert.Equal(t, "Glad you asked.", v2.Response.Output.Text)
	assert.NotEqual(t, volley.ActionExitModule, v2.Response.ResponseAction.Action)

	s.IngestNotify(volley.Request{
		Speech:     "Glad you asked.",
		ExtraLines: []volley.ExtraLine{{ContextType: "input", Text: "tell me something"}},
	})
	require.Equal(t, 3, s.Turns())

	v3 := continueVolley("and then?")
	s.HandleVolley(context.Background(), v3)
	assert.Equal(t, volley.ActionExitModule, v3.Response.ResponseAction.Action)
}

func TestSessionTurnCountOverflow(t *testing.T) {
	gen := &fakeGenerator{reply: "Plain reply with no marker."}
	s := newTestSession(t, Config{MaxTurns: 3, ExitLine: "Time to go."}, gen)

	for _, speech := range []string{"one", "two", "three"} {
		s.IngestNotify(volley.Request{
			Command:    volley.CommandNotify,
			ExtraLines: []volley.ExtraLine{{ContextType: "input", Text: speech}},
		})
	}
	require.Equal(t, 3, s.Turns())

	v := continueVolley("anything else?")
	s.HandleVolley(context.Background(), v)

	assert.Equal(t, "Plain reply with no marker. Time to go.", v.Response.Output.Text)
	assert.Equal(t, volley.ActionExitModule, v.Response.ResponseAction.Action)
}

func TestSessionOverflowPrefersRecommendedLaunch(t *testing.T) {
	gen := &fakeGenerator{reply: "Bye now."}
	s := newTestSession(t, Config{MaxTurns: 1, ExitLine: "So long."}, gen)
	s.IngestNotify(volley.Request{Speech: "Hi!"})

	v := volley.New(volley.Request{
		EventID: "e1",
		Command: volley.CommandContinue,
		Speech:  "ok",
		Recommend: &volley.Recommend{Exits: []volley.ModuleRef{
			{ModuleID: "SLEEP", ContentID: "wind_down"},
		}},
	})
	s.HandleVolley(context.Background(), v)

	assert.Equal(t, volley.ActionLaunch, v.Response.ResponseAction.Action)
	assert.Equal(t, "SLEEP", v.Response.ResponseAction.ModuleID)
	assert.Equal(t, "wind_down", v.Response.ResponseAction.ContentID)
}

func TestSessionExitMarkerIsStickyAndStripped(t *testing.T) {
	gen := &fakeGenerator{reply: "Sure, we can stop. <exit>"}
	s := newTestSession(t, Config{ExitLine: "Let's move on."}, gen)

	v := continueVolley("I want to stop")
	s.HandleVolley(context.Background(), v)

	assert.Equal(t, "Sure, we can stop.  Let's move on.", v.Response.Output.Text)
	assert.NotContains(t, v.Response.Output.Text, "<")
	assert.Equal(t, volley.ActionExitModule, v.Response.ResponseAction.Action)
	assert.True(t, s.Overflow(), "exit request is sticky")

	// A later volley still overflows, even with clean generated text.
	gen.reply = "More chat."
	v2 := continueVolley("keep going")
	s.HandleVolley(context.Background(), v2)
	assert.Equal(t, volley.ActionExitModule, v2.Response.ResponseAction.Action)
}

func TestSessionStripsTagLikeSubstrings(t *testing.T) {
	gen := &fakeGenerator{reply: "<break/>Hello <b>friend</b>!"}
	s := newTestSession(t, Config{}, gen)

	v := continueVolley("hi")
	s.HandleVolley(context.Background(), v)

	assert.Equal(t, "Hello friend!", v.Response.Output.Text)
}

func TestSessionInferenceFailureApologizes(t *testing.T) {
	gen := &fakeGenerator{err: assert.AnError}
	s := newTestSession(t, Config{}, gen)

	v := continueVolley("hello?")
	s.HandleVolley(context.Background(), v)

	assert.Equal(t, inferenceApology, v.Response.Output.Text)
	assert.Equal(t, 0, v.Response.Result)
}

func TestSessionNotifySkipsAnimationSpeech(t *testing.T) {
	s := newTestSession(t, Config{}, nil)
	s.IngestNotify(volley.Request{Speech: "[animation:thinking]"})
	assert.True(t, s.Empty())
	assert.Equal(t, 0, s.Turns())

	s.IngestNotify(volley.Request{
		Speech:     "That sounds fun!",
		ExtraLines: []volley.ExtraLine{{ContextType: "input", Text: "let's play"}},
	})
	assert.Equal(t, 2, s.Turns())
}

func TestSessionCanonicalHistoryUnchangedByVolley(t *testing.T) {
	gen := &fakeGenerator{reply: "Reply."}
	s := newTestSession(t, Config{}, gen)
	s.IngestNotify(volley.Request{Speech: "Opener speech"})
	require.Equal(t, 1, s.Turns())

	v := continueVolley("user speech")
	s.HandleVolley(context.Background(), v)

	// Speculative speech went to a clone; canonical state is untouched.
	assert.Equal(t, 1, s.Turns())
	require.Len(t, gen.calls, 1)
	last := gen.calls[0][len(gen.calls[0])-1]
	assert.Equal(t, "user speech", last.Content)
}

func TestSessionAutoHistoryAccumulates(t *testing.T) {
	gen := &fakeGenerator{reply: "Nice to meet you."}
	s := newTestSession(t, Config{}, gen)
	s.SetAutoHistory(true)

	v := continueVolley("hello there")
	s.HandleVolley(context.Background(), v)

	assert.Equal(t, 1, s.Turns())
	assert.False(t, s.Empty())

	// Second volley sees the full accumulated exchange.
	v2 := continueVolley("tell me more")
	s.HandleVolley(context.Background(), v2)
	require.Len(t, gen.calls, 2)
	assert.Len(t, gen.calls[1], 4) // system + user + assistant + user
}

func TestSessionPromptTemplateSeesVolley(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	s := newTestSession(t, Config{
		Prompt: "Respond to {{.Volley.Request.Speech}} kindly.",
	}, gen)

	v := continueVolley("a compliment")
	s.HandleVolley(context.Background(), v)

	require.Len(t, gen.calls, 1)
	assert.Equal(t, inference.RoleSystem, gen.calls[0][0].Role)
	assert.Equal(t, "Respond to a compliment kindly.", gen.calls[0][0].Content)
}

func TestSessionModelParamsPassedThrough(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	params := inference.ModelParams{Model: "gpt-4o-mini", MaxTokens: 128, Temperature: 0.7}
	s := newTestSession(t, Config{Model: params}, gen)

	s.HandleVolley(context.Background(), continueVolley("hi"))
	assert.Equal(t, params, gen.params)
}

func TestSessionPreFilterHandledStopsProcessing(t *testing.T) {
	gen := &fakeGenerator{reply: "unused"}
	hooks := Hooks{
		Pre: func(v *volley.Volley, _ *Session) (bool, error) {
			v.SetOutput("Handled by filter.", "")
			return true, nil
		},
	}
	s := newTestSession(t, Config{Hooks: hooks}, gen)

	v := continueVolley("anything")
	s.HandleVolley(context.Background(), v)

	assert.Equal(t, "Handled by filter.", v.Response.Output.Text)
	assert.Empty(t, gen.calls)
}

func TestSessionPostFilterErrorApologizes(t *testing.T) {
	hooks := Hooks{
		Post: func(_ *volley.Volley, _ *Session) error { return assert.AnError },
	}
	s := newTestSession(t, Config{Hooks: hooks}, nil)

	v := continueVolley("hi")
	s.HandleVolley(context.Background(), v)
	assert.Equal(t, inferenceApology, v.Response.Output.Text)
}

func TestLookupHooks(t *testing.T) {
	h, err := LookupHooks("")
	require.NoError(t, err)
	assert.Nil(t, h.Pre)

	_, err = LookupHooks("no_such_hook")
	assert.Error(t, err)

	h, err = LookupHooks("exit_on_goodbye")
	require.NoError(t, err)
	require.NotNil(t, h.Pre)
}

func TestExitOnGoodbyeHook(t *testing.T) {
	gen := &fakeGenerator{reply: "Goodbye to you too!"}
	hooks, err := LookupHooks("exit_on_goodbye")
	require.NoError(t, err)
	s := newTestSession(t, Config{ExitLine: "See you soon.", Hooks: hooks}, gen)

	v := continueVolley("ok goodbye now")
	s.HandleVolley(context.Background(), v)

	assert.True(t, strings.HasSuffix(v.Response.Output.Text, "See you soon."))
	assert.Equal(t, volley.ActionExitModule, v.Response.ResponseAction.Action)
}

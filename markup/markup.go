// Package markup renders plain response text into the device's markup
// language. The full gesture/animation rule pipeline lives outside this
// service; this package defines the renderer contract plus a minimal default
// that produces valid markup for devices.
package markup

import (
	"fmt"
	"strings"
)

// Mood hints accepted by renderers.
const (
	MoodNeutral  = "neutral"
	MoodPositive = "positive"
	MoodNegative = "negative"
)

// Renderer converts plain text into device markup. Implementations must be
// safe for concurrent use; rendering is called from worker goroutines.
type Renderer interface {
	Render(text, moodHint string) string
}

// RuleRenderer is the built-in renderer. It wraps the text with a mood mark
// when a hint is given and inserts short pauses at sentence boundaries so
// playback doesn't run sentences together.
type RuleRenderer struct{}

var _ Renderer = RuleRenderer{}

// NewRuleRenderer returns the default renderer.
func NewRuleRenderer() RuleRenderer {
	return RuleRenderer{}
}

// Render implements Renderer.
func (RuleRenderer) Render(text, moodHint string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	if moodHint != "" && moodHint != MoodNeutral {
		fmt.Fprintf(&b, `<mark name="cmd:behaviour-tree,data:{+mood+:+%s+}"/>`, moodHint)
	}

	for i, sentence := range splitSentences(text) {
		if i > 0 {
			b.WriteString(`<break time="200ms"/>`)
		}
		b.WriteString(sentence)
	}
	return b.String()
}

// splitSentences breaks text at sentence-final punctuation, keeping the
// punctuation with its sentence.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

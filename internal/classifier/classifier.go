// Package classifier decides whether a recognition hypothesis is usable
// user speech. Every function here is pure.
package classifier

import (
	"regexp"
	"time"
)

// Reason names why a hypothesis was ignored.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonEmpty        Reason = "empty"
	ReasonTooShort     Reason = "too_short"
	ReasonIncomplete   Reason = "incomplete"
	ReasonGreetingLoop Reason = "greeting_loop"
	ReasonFragment     Reason = "fragment"
	ReasonDuplicate    Reason = "duplicate"
	ReasonEcho         Reason = "echo"
)

// Verdict is the outcome of Classify. Text is the accepted hypothesis,
// unchanged.
type Verdict struct {
	Accept bool
	Reason Reason
	Text   string
}

// Thresholds holds every tunable number the heuristics use.
type Thresholds struct {
	// Too short: fewer than MinChars characters and fewer than MinWords words.
	MinChars int
	MinWords int
	// Incomplete: no terminal punctuation and fewer than UnpunctuatedWords words.
	UnpunctuatedWords int
	// Fragment: at most FragmentWords words and fewer than FragmentChars characters.
	FragmentWords int
	FragmentChars int
	// Duplicate: prefix-extension of the previous final within DuplicateWindow
	// whose delta is under DuplicateDeltaWords words and DuplicateDeltaChars characters.
	DuplicateWindow     time.Duration
	DuplicateDeltaWords int
	DuplicateDeltaChars int
	// Echo: similarity above EchoSimilarity to the agent response spoken
	// within EchoWindow.
	EchoWindow     time.Duration
	EchoSimilarity float64
	// Looks complete, used to start speculation.
	CompletePunctuatedWords int
	CompletePunctuatedChars int
	CompleteWords           int
	CompleteChars           int
}

// DefaultThresholds returns the tuned production values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinChars:                15,
		MinWords:                4,
		UnpunctuatedWords:       6,
		FragmentWords:           2,
		FragmentChars:           25,
		DuplicateWindow:         3 * time.Second,
		DuplicateDeltaWords:     5,
		DuplicateDeltaChars:     30,
		EchoWindow:              5 * time.Second,
		EchoSimilarity:          0.7,
		CompletePunctuatedWords: 4,
		CompletePunctuatedChars: 30,
		CompleteWords:           6,
		CompleteChars:           50,
	}
}

// State is the slice of connection state the classifier reads.
type State struct {
	GreetingSent            bool
	LastFinalizedTranscript string
	LastFinalizedAt         time.Time
	LastAgentResponse       string
	LastAgentResponseAt     time.Time
}

// Classifier applies Thresholds to finalized hypotheses.
type Classifier struct {
	th Thresholds
}

// New creates a classifier. Zero thresholds fall back to the defaults.
func New(th Thresholds) *Classifier {
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	return &Classifier{th: th}
}

// Thresholds returns the active thresholds.
func (c *Classifier) Thresholds() Thresholds {
	return c.th
}

var bareGreeting = regexp.MustCompile(
	`^(?:(?:hola|buenas|buenos dias|buenas tardes|buenas noches|hello|hi|hey|alo|oye|sandra|que tal)\s*)+$`,
)

// IsBareGreeting reports whether the whole text is only a greeting.
func IsBareGreeting(text string) bool {
	n := Normalize(text)
	return n != "" && bareGreeting.MatchString(n)
}

// Classify returns the verdict for a finalized hypothesis received at at.
func (c *Classifier) Classify(text string, at time.Time, st State) Verdict {
	ignore := func(r Reason) Verdict { return Verdict{Reason: r} }

	if Normalize(text) == "" {
		return ignore(ReasonEmpty)
	}

	words := len(Words(text))
	chars := CharCount(text)

	if chars < c.th.MinChars && words < c.th.MinWords {
		return ignore(ReasonTooShort)
	}
	if !HasTerminalPunctuation(text) && words < c.th.UnpunctuatedWords {
		return ignore(ReasonIncomplete)
	}
	if st.GreetingSent && IsBareGreeting(text) {
		return ignore(ReasonGreetingLoop)
	}
	if words <= c.th.FragmentWords && chars < c.th.FragmentChars {
		return ignore(ReasonFragment)
	}
	if c.IsDuplicate(text, at, st) {
		return ignore(ReasonDuplicate)
	}
	if c.IsEcho(text, at, st) {
		return ignore(ReasonEcho)
	}

	return Verdict{Accept: true, Text: text}
}

// IsDuplicate reports whether text is the previous final still being
// finalized by the recognizer.
func (c *Classifier) IsDuplicate(text string, at time.Time, st State) bool {
	if st.LastFinalizedTranscript == "" || st.LastFinalizedAt.IsZero() {
		return false
	}
	if at.Sub(st.LastFinalizedAt) > c.th.DuplicateWindow {
		return false
	}
	ok, dw, dc := isPrefixExtension(st.LastFinalizedTranscript, text)
	return ok && dw < c.th.DuplicateDeltaWords && dc < c.th.DuplicateDeltaChars
}

// IsEcho reports whether text is the agent's own voice picked up again.
func (c *Classifier) IsEcho(text string, at time.Time, st State) bool {
	if st.LastAgentResponse == "" || st.LastAgentResponseAt.IsZero() {
		return false
	}
	if at.Sub(st.LastAgentResponseAt) > c.th.EchoWindow {
		return false
	}
	return Similarity(text, st.LastAgentResponse) > c.th.EchoSimilarity
}

// LooksComplete is the stricter test an interim must pass before a
// response is generated for it.
func (c *Classifier) LooksComplete(text string) bool {
	words := len(Words(text))
	chars := CharCount(text)
	if HasTerminalPunctuation(text) && words >= c.th.CompletePunctuatedWords && chars >= c.th.CompletePunctuatedChars {
		return true
	}
	return words >= c.th.CompleteWords && chars >= c.th.CompleteChars
}

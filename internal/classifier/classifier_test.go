package classifier

import (
	"testing"
	"time"
)

func TestClassify_LiteralCases(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(DefaultThresholds())

	tests := []struct {
		name   string
		text   string
		state  State
		accept bool
		reason Reason
	}{
		{
			name:   "complete request",
			text:   "Quiero reservar una habitación doble para el viernes.",
			accept: true,
		},
		{
			name:   "long unpunctuated request",
			text:   "quiero saber si tienen habitaciones libres este fin de semana",
			accept: true,
		},
		{
			name:   "empty",
			text:   "  ¿? ",
			reason: ReasonEmpty,
		},
		{
			name:   "too short",
			text:   "Vale.",
			reason: ReasonTooShort,
		},
		{
			name:   "fragment cut mid sentence",
			text:   "una habitación para",
			reason: ReasonIncomplete,
		},
		{
			name:   "short punctuated fragment",
			text:   "Perfectamente entendido.",
			reason: ReasonFragment,
		},
		{
			name:   "greeting loop after greeting",
			text:   "¡Hola, buenas tardes, hola!",
			state:  State{GreetingSent: true},
			reason: ReasonGreetingLoop,
		},
		{
			name: "echo of agent greeting",
			text: "Hola soy Sandra en que puedo ayudarte",
			state: State{
				GreetingSent:        true,
				LastAgentResponse:   "Hola, soy Sandra. ¿En qué puedo ayudarte?",
				LastAgentResponseAt: now.Add(-1 * time.Second),
			},
			reason: ReasonEcho,
		},
		{
			name: "same text long after agent spoke",
			text: "Hola soy Sandra en que puedo ayudarte",
			state: State{
				LastAgentResponse:   "Hola, soy Sandra. ¿En qué puedo ayudarte?",
				LastAgentResponseAt: now.Add(-6 * time.Second),
			},
			accept: true,
		},
		{
			name: "repeated final within window",
			text: "Quiero reservar una habitación doble.",
			state: State{
				LastFinalizedTranscript: "quiero reservar una habitación doble",
				LastFinalizedAt:         now.Add(-1 * time.Second),
			},
			reason: ReasonDuplicate,
		},
		{
			name: "small extension of previous final",
			text: "Quiero reservar una habitación doble para mañana.",
			state: State{
				LastFinalizedTranscript: "Quiero reservar una habitación doble.",
				LastFinalizedAt:         now.Add(-2 * time.Second),
			},
			reason: ReasonDuplicate,
		},
		{
			name: "large extension is a new utterance",
			text: "Quiero reservar una habitación doble y además necesito parking para dos coches grandes.",
			state: State{
				LastFinalizedTranscript: "Quiero reservar una habitación doble.",
				LastFinalizedAt:         now.Add(-2 * time.Second),
			},
			accept: true,
		},
		{
			name: "repeat after window",
			text: "Quiero reservar una habitación doble.",
			state: State{
				LastFinalizedTranscript: "Quiero reservar una habitación doble.",
				LastFinalizedAt:         now.Add(-4 * time.Second),
			},
			accept: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Classify(tt.text, now, tt.state)
			if v.Accept != tt.accept {
				t.Fatalf("Classify(%q) accept = %v (reason %q), want %v", tt.text, v.Accept, v.Reason, tt.accept)
			}
			if !tt.accept && v.Reason != tt.reason {
				t.Errorf("Classify(%q) reason = %q, want %q", tt.text, v.Reason, tt.reason)
			}
			if tt.accept && v.Text != tt.text {
				t.Errorf("Expected accepted text verbatim, got %q", v.Text)
			}
		})
	}
}

func TestClassify_GreetingOnlyLoopsAfterGreeting(t *testing.T) {
	c := New(Thresholds{})
	text := "¡Hola, buenas tardes, hola!"

	v := c.Classify(text, time.Now(), State{})
	if v.Reason == ReasonGreetingLoop {
		t.Error("Expected no greeting-loop verdict before any greeting was sent")
	}
}

func TestClassify_OverriddenThresholds(t *testing.T) {
	th := DefaultThresholds()
	th.UnpunctuatedWords = 3
	c := New(th)

	v := c.Classify("una habitación para", time.Now(), State{})
	if !v.Accept {
		t.Errorf("Expected acceptance with a lower unpunctuated threshold, got %q", v.Reason)
	}
}

func TestLooksComplete(t *testing.T) {
	c := New(DefaultThresholds())

	tests := []struct {
		text string
		want bool
	}{
		{"Quiero reservar una habitación, por favor.", true},
		{"Quiero una habitación.", false},
		{"necesito una habitación doble para el próximo fin de semana largo", true},
		{"necesito una habitación doble para el", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := c.LooksComplete(tt.text); got != tt.want {
			t.Errorf("LooksComplete(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hola, soy Sandra. ¿En qué puedo ayudarte?", "hola soy sandra en que puedo ayudarte"},
		{"  ¡Reserva   CONFIRMADA!  ", "reserva confirmada"},
		{"Habitación nº 12", "habitacion nº 12"},
		{"...", ""},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if s := Similarity("Hola soy Sandra en que puedo ayudarte", "Hola, soy Sandra. ¿En qué puedo ayudarte?"); s != 1 {
		t.Errorf("Expected identical normalized texts to score 1, got %f", s)
	}
	if s := Similarity("soy Sandra en que puedo", "Hola, soy Sandra. ¿En qué puedo ayudarte hoy?"); s <= 0.7 {
		t.Errorf("Expected clipped echo to score above 0.7, got %f", s)
	}
	if s := Similarity("Necesito una cama supletoria", "¡Reserva confirmada!"); s != 0 {
		t.Errorf("Expected unrelated texts to score 0, got %f", s)
	}
	if s := Similarity("", "hola"); s != 0 {
		t.Errorf("Expected empty text to score 0, got %f", s)
	}
}

func TestHasTerminalPunctuation(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"¿Tienen parking?", true},
		{"Sí, claro.", true},
		{"Perfecto!\"", true},
		{"una habitación para", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := HasTerminalPunctuation(tt.in); got != tt.want {
			t.Errorf("HasTerminalPunctuation(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsBareGreeting(t *testing.T) {
	if !IsBareGreeting("¡Hola! Buenos días.") {
		t.Error("Expected bare greeting")
	}
	if IsBareGreeting("Hola, quiero reservar") {
		t.Error("Expected request not to be a bare greeting")
	}
}

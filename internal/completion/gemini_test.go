package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction"`
}

func geminiServer(t *testing.T, reply string, got *geminiRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "models/gemini-test:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{
				map[string]any{
					"content": map[string]any{
						"role":  "model",
						"parts": []any{map[string]any{"text": reply}},
					},
				},
			},
		})
	}))
}

func TestGeminiProvider_Complete(t *testing.T) {
	var got geminiRequest
	server := geminiServer(t, "El desayuno se sirve de siete a once.", &got)
	defer server.Close()

	p, err := NewGeminiProvider(context.Background(), GeminiConfig{
		APIKey:       "test-key",
		Model:        "gemini-test",
		SystemPrompt: "Eres Sandra.",
		BaseURL:      server.URL,
	})
	if err != nil {
		t.Fatalf("NewGeminiProvider() failed: %v", err)
	}

	reply, err := p.Complete(context.Background(), Request{
		Utterance:       "¿A qué hora es el desayuno?",
		PriorTranscript: "Tengo una reserva para esta noche.",
		PriorResponse:   "Perfecto, ¿en qué más puedo ayudarte?",
	})
	if err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	if reply != "El desayuno se sirve de siete a once." {
		t.Errorf("unexpected reply %q", reply)
	}

	if len(got.Contents) != 3 {
		t.Fatalf("Expected 3 contents, got %d", len(got.Contents))
	}
	wantRoles := []string{"user", "model", "user"}
	for i, c := range got.Contents {
		if c.Role != wantRoles[i] {
			t.Errorf("content %d: expected role %s, got %s", i, wantRoles[i], c.Role)
		}
	}
	if got.SystemInstruction == nil || len(got.SystemInstruction.Parts) == 0 ||
		got.SystemInstruction.Parts[0].Text != "Eres Sandra." {
		t.Errorf("Expected system instruction, got %+v", got.SystemInstruction)
	}
}

func TestGeminiProvider_EmptyReply(t *testing.T) {
	server := geminiServer(t, "", nil)
	defer server.Close()

	p, err := NewGeminiProvider(context.Background(), GeminiConfig{
		APIKey:  "test-key",
		Model:   "gemini-test",
		BaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("NewGeminiProvider() failed: %v", err)
	}

	_, err = p.Complete(context.Background(), Request{Utterance: "hola"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
}

package inbound

import (
	"errors"
	"testing"

	"github.com/saudezap/secretaria/internal/models"
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"already canonical", "5511999999999", "5511999999999", false},
		{"national number gets country code", "11999999999", "5511999999999", false},
		{"formatted number", "+55 (11) 99999-9999", "5511999999999", false},
		{"jid suffix stripped", "5511999999999@c.us", "5511999999999", false},
		{"landline without ninth digit", "1133334444", "551133334444", false},
		{"too short", "12345", "", true},
		{"empty", "", "", true},
		{"no digits", "abc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizePhone(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("CanonicalizePhone(%q) expected error, got %q", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("CanonicalizePhone(%q) unexpected error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("CanonicalizePhone(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Qual seu  nome completo?  ", "qual seu nome completo?"},
		{"OLÁ", "olá"},
		{"a\tb\nc", "a b c"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeShapes(t *testing.T) {
	tests := []struct {
		name      string
		payload   map[string]any
		wantPhone string
		wantText  string
		wantID    string
	}{
		{
			name: "nested message object",
			payload: map[string]any{
				"message": map[string]any{
					"from": "5511999999999",
					"text": "oi",
					"id":   "msg-1",
				},
			},
			wantPhone: "5511999999999",
			wantText:  "oi",
			wantID:    "msg-1",
		},
		{
			name: "flat fields",
			payload: map[string]any{
				"phone":     "11999999999",
				"message":   "meu nome é Maria",
				"messageId": "msg-2",
			},
			wantPhone: "5511999999999",
			wantText:  "meu nome é Maria",
			wantID:    "msg-2",
		},
		{
			name: "nested data wrapper",
			payload: map[string]any{
				"data": map[string]any{
					"from": "5511999999999@c.us",
					"body": "olá",
				},
			},
			wantPhone: "5511999999999",
			wantText:  "olá",
		},
		{
			name: "sender and content aliases",
			payload: map[string]any{
				"sender":  "5511988887777",
				"content": "bom dia",
			},
			wantPhone: "5511988887777",
			wantText:  "bom dia",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.payload)
			if err != nil {
				t.Fatalf("Normalize() unexpected error: %v", err)
			}
			if got.Phone != tt.wantPhone {
				t.Errorf("phone = %q, want %q", got.Phone, tt.wantPhone)
			}
			if got.Text != tt.wantText {
				t.Errorf("text = %q, want %q", got.Text, tt.wantText)
			}
			if got.MessageID != tt.wantID {
				t.Errorf("messageId = %q, want %q", got.MessageID, tt.wantID)
			}
		})
	}
}

func TestNormalizeInsufficientData(t *testing.T) {
	payloads := []map[string]any{
		{},
		{"phone": "5511999999999"},
		{"text": "oi"},
		{"unrelated": map[string]any{"x": 1}},
	}
	for _, p := range payloads {
		if _, err := Normalize(p); !errors.Is(err, models.ErrInsufficientData) {
			t.Errorf("Normalize(%v) error = %v, want ErrInsufficientData", p, err)
		}
	}
}

func TestNormalizeStatusEvents(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"statuses list", map[string]any{
			"phone":    "5511999999999",
			"statuses": []any{map[string]any{"status": "delivered"}},
		}},
		{"event field", map[string]any{
			"phone": "5511999999999",
			"text":  "x",
			"event": "delivered",
		}},
		{"type ack", map[string]any{
			"phone": "5511999999999",
			"text":  "x",
			"type":  "ack",
		}},
		{"non-chat message type", map[string]any{
			"message": map[string]any{
				"from": "5511999999999",
				"text": "x",
				"type": "reaction",
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.payload)
			if err != nil {
				t.Fatalf("Normalize() unexpected error: %v", err)
			}
			if !got.StatusEvent {
				t.Error("expected StatusEvent=true")
			}
		})
	}
}

func TestNormalizeFromMe(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    bool
	}{
		{"payload flag", map[string]any{
			"phone": "5511999999999", "text": "oi", "fromMe": true,
		}, true},
		{"message flag", map[string]any{
			"message": map[string]any{"from": "5511999999999", "text": "oi", "fromMe": true},
		}, true},
		{"nested key object", map[string]any{
			"message": map[string]any{
				"from": "5511999999999",
				"text": "oi",
				"key":  map[string]any{"fromMe": true},
			},
		}, true},
		{"string flag", map[string]any{
			"phone": "5511999999999", "text": "oi", "fromMe": "true",
		}, true},
		{"absent", map[string]any{
			"phone": "5511999999999", "text": "oi",
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.payload)
			if err != nil {
				t.Fatalf("Normalize() unexpected error: %v", err)
			}
			if got.FromMe != tt.want {
				t.Errorf("FromMe = %v, want %v", got.FromMe, tt.want)
			}
		})
	}
}

func TestNormalizeTimestampMilliseconds(t *testing.T) {
	got, err := Normalize(map[string]any{
		"phone":   "5511999999999",
		"text":    "oi",
		"momment": float64(1700000000000),
	})
	if err != nil {
		t.Fatalf("Normalize() unexpected error: %v", err)
	}
	if got.Timestamp != 1700000000 {
		t.Errorf("timestamp = %d, want 1700000000", got.Timestamp)
	}
}

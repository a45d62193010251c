package extract

import (
	"context"
	"errors"
	"testing"
)

func TestValidCPF(t *testing.T) {
	tests := []struct {
		digits string
		want   bool
	}{
		{"52998224725", true},
		{"52998224724", false}, // wrong check digit
		{"11111111111", false}, // repeated digits
		{"123", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidCPF(tt.digits); got != tt.want {
			t.Errorf("ValidCPF(%q) = %v, want %v", tt.digits, got, tt.want)
		}
	}
}

func TestHeuristicExtract(t *testing.T) {
	h := NewHeuristicExtractor()
	ctx := context.Background()

	tests := []struct {
		name        string
		text        string
		wantName    string
		wantDOB     string
		wantCPF     string
		wantAddress string
		wantConsent *bool
	}{
		{
			name:     "introduction phrase",
			text:     "meu nome é João Silva",
			wantName: "João Silva",
		},
		{
			name:     "plain full name",
			text:     "Maria de Souza",
			wantName: "Maria de Souza",
		},
		{
			name:    "formatted cpf",
			text:    "meu cpf é 529.982.247-25",
			wantCPF: "52998224725",
		},
		{
			name: "invalid cpf checksum ignored",
			text: "cpf 529.982.247-24",
		},
		{
			name:    "date normalized",
			text:    "nasci em 1/2/1990",
			wantDOB: "01/02/1990",
		},
		{
			name:    "two digit year",
			text:    "05-03-85",
			wantDOB: "05/03/1985",
		},
		{
			name:        "street address",
			text:        "Rua das Flores, 123, Centro",
			wantAddress: "Rua das Flores, 123, Centro",
		},
		{
			name:        "affirmative consent",
			text:        "SIM",
			wantConsent: boolPtr(true),
		},
		{
			name:        "negative consent",
			text:        "não",
			wantConsent: boolPtr(false),
		},
		{
			name: "sim inside sentence is not consent",
			text: "sim senhora como vai",
		},
		{
			name: "smalltalk is not a name",
			text: "bom dia",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := h.Extract(ctx, tt.text)
			if err != nil {
				t.Fatalf("Extract() unexpected error: %v", err)
			}
			if got := strOrEmpty(fields.Name); got != tt.wantName {
				t.Errorf("name = %q, want %q", got, tt.wantName)
			}
			if got := strOrEmpty(fields.DOB); got != tt.wantDOB {
				t.Errorf("dob = %q, want %q", got, tt.wantDOB)
			}
			if got := strOrEmpty(fields.CPF); got != tt.wantCPF {
				t.Errorf("cpf = %q, want %q", got, tt.wantCPF)
			}
			if got := strOrEmpty(fields.Address); got != tt.wantAddress {
				t.Errorf("address = %q, want %q", got, tt.wantAddress)
			}
			if (fields.Consent == nil) != (tt.wantConsent == nil) {
				t.Errorf("consent = %v, want %v", fields.Consent, tt.wantConsent)
			} else if fields.Consent != nil && *fields.Consent != *tt.wantConsent {
				t.Errorf("consent = %v, want %v", *fields.Consent, *tt.wantConsent)
			}
		})
	}
}

func TestFieldsToAnswers(t *testing.T) {
	yes := true
	name := "João Silva"
	f := &Fields{Name: &name, Consent: &yes}

	answers := f.ToAnswers()
	if answers["name"] != "João Silva" {
		t.Errorf("name answer = %q", answers["name"])
	}
	if answers["consent"] != "sim" {
		t.Errorf("consent answer = %q, want sim", answers["consent"])
	}
	if len(answers) != 2 {
		t.Errorf("expected 2 answers, got %d", len(answers))
	}
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string) (*Fields, error) {
	return nil, errors.New("upstream unavailable")
}

func TestChainFallsBack(t *testing.T) {
	chain := NewChain(failingExtractor{}, NewHeuristicExtractor())

	fields, err := chain.Extract(context.Background(), "meu cpf é 529.982.247-25")
	if err != nil {
		t.Fatalf("Extract() unexpected error: %v", err)
	}
	if fields.CPF == nil || *fields.CPF != "52998224725" {
		t.Errorf("fallback extractor did not run, cpf = %v", fields.CPF)
	}
}

func TestChainAllFail(t *testing.T) {
	chain := NewChain(failingExtractor{}, failingExtractor{})
	if _, err := chain.Extract(context.Background(), "oi"); err == nil {
		t.Error("expected error when every extractor fails")
	}
}

func boolPtr(b bool) *bool { return &b }

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

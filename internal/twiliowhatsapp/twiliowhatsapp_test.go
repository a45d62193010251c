package twiliowhatsapp

import (
	"context"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendMessage(ctx, "5511999999999", "Qual seu nome completo?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}

	if mock.SentMessages[0].Body != "Qual seu nome completo?" {
		t.Errorf("unexpected body %q", mock.SentMessages[0].Body)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("whatsapp:+5511888887777")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

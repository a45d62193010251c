package inbound

import (
	"testing"
	"time"

	"github.com/saudezap/secretaria/internal/models"
)

func genuineMsg(text, id string) *models.InboundMessage {
	return &models.InboundMessage{
		Phone:     "5511999999999",
		Text:      text,
		MessageID: id,
	}
}

func TestGuardStatusEvent(t *testing.T) {
	g := NewGuard(NewCache())
	msg := genuineMsg("x", "m1")
	msg.StatusEvent = true

	reason, genuine := g.Classify(msg, nil, time.Now())
	if genuine || reason != models.IgnoreNonChatEvent {
		t.Errorf("expected non_chat_event, got (%q, %v)", reason, genuine)
	}
}

func TestGuardFromMe(t *testing.T) {
	msg := genuineMsg("x", "m1")
	msg.FromMe = true

	g := NewGuard(NewCache())
	if reason, genuine := g.Classify(msg, nil, time.Now()); genuine || reason != models.IgnoreFromMe {
		t.Errorf("expected from_me, got (%q, %v)", reason, genuine)
	}

	// Suppression disabled lets self-authored messages through.
	g = NewGuard(NewCache(), WithFromMeSuppression(false))
	if _, genuine := g.Classify(msg, nil, time.Now()); !genuine {
		t.Error("expected genuine with suppression disabled")
	}
}

func TestGuardBlockedPhone(t *testing.T) {
	g := NewGuard(NewCache(), WithBlockedPhones([]string{"11999999999"}))

	reason, genuine := g.Classify(genuineMsg("qualquer coisa", "m1"), nil, time.Now())
	if genuine || reason != models.IgnoreBlockedPhone {
		t.Errorf("expected blocked_phone, got (%q, %v)", reason, genuine)
	}

	// Blocked regardless of content, every time.
	reason, genuine = g.Classify(genuineMsg("outra coisa", "m2"), nil, time.Now())
	if genuine || reason != models.IgnoreBlockedPhone {
		t.Errorf("expected blocked_phone on second call, got (%q, %v)", reason, genuine)
	}
}

func TestGuardEchoMessageID(t *testing.T) {
	g := NewGuard(NewCache())
	now := time.Now()

	if _, genuine := g.Classify(genuineMsg("oi", "m1"), nil, now); !genuine {
		t.Fatal("first delivery should be genuine")
	}
	// Identical webhook redelivered.
	reason, genuine := g.Classify(genuineMsg("oi", "m1"), nil, now.Add(time.Second))
	if genuine || reason != models.IgnoreEchoMessageID {
		t.Errorf("expected echo_msgid, got (%q, %v)", reason, genuine)
	}
	// A new message id passes even with identical text outside the window.
	if _, genuine := g.Classify(genuineMsg("oi", "m2"), nil, now.Add(time.Minute)); !genuine {
		t.Error("new message id outside duplicate window should be genuine")
	}
}

func TestGuardEchoMatchOutbound(t *testing.T) {
	g := NewGuard(NewCache())
	now := time.Now()

	rec := models.NewRegistrationRecord("5511999999999", "patient", now.Unix())
	rec.LastOutbound = &models.OutboundMarker{
		Time: now.Unix(),
		Text: "Qual seu nome completo?",
	}

	// Gateway loops the bot's own text back with whitespace/case noise.
	reason, genuine := g.Classify(genuineMsg("  qual seu   NOME completo? ", "m1"), rec, now.Add(5*time.Second))
	if genuine || reason != models.IgnoreEchoMatchOutbound {
		t.Errorf("expected echo_match_outbound, got (%q, %v)", reason, genuine)
	}

	// Outside the echo TTL the same text is a genuine answer.
	reason, genuine = g.Classify(genuineMsg("Qual seu nome completo?", "m2"), rec, now.Add(DefaultEchoTTL+time.Second))
	if !genuine {
		t.Errorf("expected genuine outside echo TTL, got %q", reason)
	}
}

func TestGuardDuplicateWindow(t *testing.T) {
	g := NewGuard(NewCache())
	now := time.Now()

	if _, genuine := g.Classify(genuineMsg("meu nome é Maria", "m1"), nil, now); !genuine {
		t.Fatal("first message should be genuine")
	}
	reason, genuine := g.Classify(genuineMsg("meu nome é Maria", "m2"), nil, now.Add(5*time.Second))
	if genuine || reason != models.IgnoreDuplicateWindow {
		t.Errorf("expected duplicate_window, got (%q, %v)", reason, genuine)
	}
	if _, genuine := g.Classify(genuineMsg("meu nome é Maria", "m3"), nil, now.Add(DefaultDuplicateWindow+6*time.Second)); !genuine {
		t.Error("expected genuine outside duplicate window")
	}
}

func TestGuardDuplicateWindowFromDurableHistory(t *testing.T) {
	// A fresh cache (new worker) still catches duplicates via the record.
	g := NewGuard(NewCache())
	now := time.Now()

	rec := models.NewRegistrationRecord("5511999999999", "patient", now.Unix())
	rec.AppendHistory(now.Unix(), "meu nome é Maria")

	reason, genuine := g.Classify(genuineMsg("meu nome é Maria", "m9"), rec, now.Add(5*time.Second))
	if genuine || reason != models.IgnoreDuplicateWindow {
		t.Errorf("expected duplicate_window from durable history, got (%q, %v)", reason, genuine)
	}
}

func TestGuardReasonPriority(t *testing.T) {
	// A status event that is also fromMe and blocked reports non_chat_event.
	g := NewGuard(NewCache(), WithBlockedPhones([]string{"5511999999999"}))
	msg := genuineMsg("x", "m1")
	msg.StatusEvent = true
	msg.FromMe = true

	reason, _ := g.Classify(msg, nil, time.Now())
	if reason != models.IgnoreNonChatEvent {
		t.Errorf("expected non_chat_event to win, got %q", reason)
	}

	// fromMe beats blocked_phone.
	msg.StatusEvent = false
	reason, _ = g.Classify(msg, nil, time.Now())
	if reason != models.IgnoreFromMe {
		t.Errorf("expected from_me to beat blocked_phone, got %q", reason)
	}
}

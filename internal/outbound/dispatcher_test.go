package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saudezap/secretaria/internal/flow"
	"github.com/saudezap/secretaria/internal/models"
	"github.com/saudezap/secretaria/internal/store"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
}

func (s *fakeSender) SendMessage(_ context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("transport down")
	}
	s.sent = append(s.sent, body)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func questionAction(text string) *flow.Action {
	return &flow.Action{Kind: flow.ActionQuestion, Text: text, Question: text}
}

func TestDispatchSendsAndMarks(t *testing.T) {
	sender := &fakeSender{}
	regs := store.NewInMemoryStore()
	d := NewDispatcher(sender, regs)
	now := time.Now()

	if !d.Dispatch(context.Background(), "5511999999999", questionAction("Qual seu CPF?"), nil, now) {
		t.Fatal("expected dispatch to be accepted")
	}
	if sender.count() != 1 {
		t.Fatalf("expected 1 send, got %d", sender.count())
	}

	rec, err := regs.Get("5511999999999")
	if err != nil || rec == nil {
		t.Fatalf("marker record missing: %v", err)
	}
	if rec.LastSentQuestion != "Qual seu CPF?" {
		t.Errorf("LastSentQuestion = %q", rec.LastSentQuestion)
	}
	if rec.LastOutbound == nil || rec.LastOutbound.Text != "Qual seu CPF?" {
		t.Errorf("LastOutbound = %+v", rec.LastOutbound)
	}
}

func TestDispatchSuppressesRepeatWithinBackoff(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, store.NewInMemoryStore())
	now := time.Now()
	action := questionAction("Qual seu CPF?")

	if !d.Dispatch(context.Background(), "5511999999999", action, nil, now) {
		t.Fatal("first dispatch should be accepted")
	}
	if d.Dispatch(context.Background(), "5511999999999", action, nil, now.Add(2*time.Second)) {
		t.Error("identical send within backoff should be suppressed")
	}
	if sender.count() != 1 {
		t.Errorf("expected 1 send, got %d", sender.count())
	}
	// Outside the backoff the repeat goes out.
	if !d.Dispatch(context.Background(), "5511999999999", action, nil, now.Add(DefaultBackoff+time.Second)) {
		t.Error("repeat outside backoff should be accepted")
	}
}

func TestShouldSendConsultsDurableMarkers(t *testing.T) {
	// Fresh dispatcher (no cache): the persisted record still suppresses.
	d := NewDispatcher(&fakeSender{}, store.NewInMemoryStore())
	now := time.Now()

	rec := models.NewRegistrationRecord("5511999999999", "patient", now.Unix())
	rec.LastSentQuestion = "Qual seu CPF?"
	rec.LastSentAt = now.Unix()

	if d.ShouldSend("5511999999999", "Qual seu CPF?", rec, now.Add(2*time.Second)) {
		t.Error("expected suppression from durable LastSentQuestion")
	}
	if !d.ShouldSend("5511999999999", "Qual seu endereço?", rec, now.Add(2*time.Second)) {
		t.Error("a different candidate should be allowed")
	}
}

func TestDispatchOptimisticMarkingOnTransportFailure(t *testing.T) {
	sender := &fakeSender{fail: true}
	regs := store.NewInMemoryStore()
	d := NewDispatcher(sender, regs)

	if !d.Dispatch(context.Background(), "5511999999999", questionAction("Qual seu CPF?"), nil, time.Now()) {
		t.Fatal("dispatch should be accepted even when transport fails")
	}
	rec, err := regs.Get("5511999999999")
	if err != nil || rec == nil {
		t.Fatalf("marker record missing: %v", err)
	}
	if rec.LastSentQuestion != "Qual seu CPF?" {
		t.Error("markers must be updated despite transport failure")
	}
}

func TestDispatchQuietMode(t *testing.T) {
	sender := &fakeSender{}
	regs := store.NewInMemoryStore()
	d := NewDispatcher(sender, regs, WithQuietMode(true))
	now := time.Now()

	if d.ShouldSend("5511999999999", "Qual seu CPF?", nil, now) {
		t.Error("quiet mode must make ShouldSend return false")
	}
	if d.Dispatch(context.Background(), "5511999999999", questionAction("Qual seu CPF?"), nil, now) {
		t.Fatal("quiet-mode dispatch should be refused")
	}
	if sender.count() != 0 {
		t.Errorf("quiet mode transmitted %d messages", sender.count())
	}
	// Dry runs leave the durable markers untouched.
	if rec, _ := regs.Get("5511999999999"); rec != nil {
		t.Errorf("quiet mode persisted outbound markers: %+v", rec)
	}
}

func TestDispatchNonQuestionKeepsQuestionMarker(t *testing.T) {
	regs := store.NewInMemoryStore()
	d := NewDispatcher(&fakeSender{}, regs)
	now := time.Now()

	d.Dispatch(context.Background(), "5511999999999", questionAction("Qual seu CPF?"), nil, now)
	d.Dispatch(context.Background(), "5511999999999", &flow.Action{Kind: flow.ActionPayment, Text: "link: https://pay.example/x"}, nil, now.Add(time.Second))

	rec, _ := regs.Get("5511999999999")
	if rec.LastSentQuestion != "Qual seu CPF?" {
		t.Errorf("payment send overwrote question marker: %q", rec.LastSentQuestion)
	}
	if rec.LastOutbound.Text != "link: https://pay.example/x" {
		t.Errorf("LastOutbound not updated: %+v", rec.LastOutbound)
	}
}

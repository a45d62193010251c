package intake

import (
	"context"
	"testing"
	"time"

	"github.com/saudezap/secretaria/internal/inbound"
	"github.com/saudezap/secretaria/internal/models"
)

// fakeChannelService feeds scripted transport events into the bridge.
type fakeChannelService struct {
	fakeSender
	receipts  chan models.Receipt
	responses chan models.Response
}

func newFakeChannelService() *fakeChannelService {
	return &fakeChannelService{
		receipts:  make(chan models.Receipt, 8),
		responses: make(chan models.Response, 8),
	}
}

func (f *fakeChannelService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return inbound.CanonicalizePhone(recipient)
}

func (f *fakeChannelService) Start(ctx context.Context) error { return nil }

func (f *fakeChannelService) Stop() error {
	close(f.receipts)
	close(f.responses)
	return nil
}

func (f *fakeChannelService) Receipts() <-chan models.Receipt { return f.receipts }

func (f *fakeChannelService) Responses() <-chan models.Response { return f.responses }

func TestBridgeFeedsResponsesIntoPipeline(t *testing.T) {
	pipeline, regs, sender := newTestPipeline(t)
	svc := newFakeChannelService()
	bridge := NewBridge(svc, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)

	svc.responses <- models.Response{From: "11999999999", Body: "Maria da Silva", Time: time.Now().Unix()}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, _ := regs.Get("5511999999999")
		if rec != nil && rec.Answers[models.FieldName] == "Maria da Silva" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("response never reached the pipeline")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Errorf("sent %d messages, want 1", sender.count())
	}
}

func TestBridgeDrainsReceipts(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)
	svc := newFakeChannelService()
	bridge := NewBridge(svc, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)

	// More receipts than the channel buffers; the bridge must keep draining.
	for i := 0; i < 32; i++ {
		select {
		case svc.receipts <- models.Receipt{To: "5511999999999", Status: models.MessageStatusSent, Time: time.Now().Unix()}:
		case <-time.After(time.Second):
			t.Fatal("receipts channel not drained")
		}
	}
}

func TestBridgeExitsWhenChannelsClose(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)
	svc := newFakeChannelService()
	bridge := NewBridge(svc, pipeline)

	bridge.Start(context.Background())
	svc.Stop()

	done := make(chan struct{})
	go func() {
		bridge.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not exit after channels closed")
	}
}

func TestBridgeDropsInvalidSender(t *testing.T) {
	pipeline, regs, _ := newTestPipeline(t)
	svc := newFakeChannelService()
	bridge := NewBridge(svc, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)

	svc.responses <- models.Response{From: "abc", Body: "oi", Time: time.Now().Unix()}
	svc.responses <- models.Response{From: "11988887777", Body: "Maria da Silva", Time: time.Now().Unix()}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, _ := regs.Get("5511988887777")
		if rec != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("valid response never reached the pipeline")
		}
		time.Sleep(10 * time.Millisecond)
	}
	records, err := regs.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("invalid sender produced a record: %d records", len(records))
	}
}

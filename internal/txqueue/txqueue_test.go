package txqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hfnode/arqtnc/internal/modem"
)

type fakeTransmitter struct {
	mu    sync.Mutex
	sent  [][]byte
	delay time.Duration
	err   error
}

func (f *fakeTransmitter) TransmitFrame(frame []byte, mode modem.Mode, copies int, interCopyDelay time.Duration) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, frame)
	return nil
}

func TestEnqueueBlocksUntilComplete(t *testing.T) {
	tx := &fakeTransmitter{delay: 20 * time.Millisecond}
	g := New(context.Background(), tx)
	defer g.Close()

	start := time.Now()
	if err := g.Enqueue(context.Background(), []byte("x"), modem.Mode{}, 1, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if elapsed := time.Since(start); elapsed < tx.delay {
		t.Errorf("Enqueue returned after %v, want at least %v (blocking contract)", elapsed, tx.delay)
	}
	if g.Transmitting() {
		t.Errorf("Transmitting() should be false after Enqueue returns")
	}
}

func TestEnqueuePropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	tx := &fakeTransmitter{err: wantErr}
	g := New(context.Background(), tx)
	defer g.Close()

	err := g.Enqueue(context.Background(), []byte("x"), modem.Mode{}, 1, 0)
	if !errors.Is(err, wantErr) {
		t.Errorf("Enqueue err = %v, want wrapping %v", err, wantErr)
	}
}

func TestEnqueueOrderingFromSingleCaller(t *testing.T) {
	tx := &fakeTransmitter{}
	g := New(context.Background(), tx)
	defer g.Close()

	for i := 0; i < 5; i++ {
		if err := g.Enqueue(context.Background(), []byte{byte(i)}, modem.Mode{}, 1, 0); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if len(tx.sent) != 5 {
		t.Fatalf("sent %d frames, want 5", len(tx.sent))
	}
	for i, fr := range tx.sent {
		if fr[0] != byte(i) {
			t.Errorf("frame %d = %v, want submission order", i, fr)
		}
	}
}

func TestEnqueueAfterCloseReturnsErrClosed(t *testing.T) {
	tx := &fakeTransmitter{}
	g := New(context.Background(), tx)
	g.Close()

	if err := g.Enqueue(context.Background(), []byte("x"), modem.Mode{}, 1, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
}

func TestEnqueueRespectsContextCancellation(t *testing.T) {
	tx := &fakeTransmitter{delay: 100 * time.Millisecond}
	g := New(context.Background(), tx)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.Enqueue(ctx, []byte("x"), modem.Mode{}, 1, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Enqueue err = %v, want context.DeadlineExceeded", err)
	}
}

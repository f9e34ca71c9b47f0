package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hfnode/arqtnc/internal/engine"
	"github.com/hfnode/arqtnc/internal/modem"
)

// fakeSerialPort implements serial.Port for tests.
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes [][]byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reads) {
		time.Sleep(5 * time.Millisecond)
		return 0, io.EOF
	}
	chunk := f.reads[f.idx]
	f.idx++
	n := copy(p, chunk)
	return n, nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeSerialPort) Close() error { return nil }

type fakePTT struct {
	mu                sync.Mutex
	onCount, offCount int
}

func (f *fakePTT) Key(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.onCount++
	} else {
		f.offCount++
	}
	return nil
}

func (f *fakePTT) Close() error { return nil }

func TestSerialTransmitterWritesCopiesAndKeysPTT(t *testing.T) {
	sp := &fakeSerialPort{}
	ptt := &fakePTT{}
	tx := &serialTransmitter{port: sp, ptt: ptt, l: slog.Default()}

	if err := tx.TransmitFrame([]byte{1, 2, 3}, modem.Mode{Name: "sig"}, 3, time.Millisecond); err != nil {
		t.Fatalf("TransmitFrame: %v", err)
	}
	if len(sp.writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(sp.writes))
	}
	if ptt.onCount != 1 || ptt.offCount != 1 {
		t.Fatalf("expected one key-on/key-off pair, got on=%d off=%d", ptt.onCount, ptt.offCount)
	}
}

func TestSerialTransmitterWithoutPTT(t *testing.T) {
	sp := &fakeSerialPort{}
	tx := &serialTransmitter{port: sp, l: slog.Default()}
	if err := tx.TransmitFrame([]byte{1}, modem.Mode{Name: "sig"}, 1, 0); err != nil {
		t.Fatalf("TransmitFrame: %v", err)
	}
	if len(sp.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(sp.writes))
	}
}

func TestInitBackendUnknown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	cfg := validConfig()
	cfg.backend = "bogus"
	eng := engine.New(engine.DefaultConfig("DB1AAA", "JO31", modem.Mode{Name: "sig", PayloadSize: 3}, nil, nil), nil)
	if _, _, err := initBackend(ctx, cfg, eng, slog.Default(), &wg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestInitBackendNull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	cfg := validConfig()
	cfg.backend = "null"
	eng := engine.New(engine.DefaultConfig("DB1AAA", "JO31", modem.Mode{Name: "sig", PayloadSize: 3}, nil, nil), nil)
	tx, cleanup, err := initBackend(ctx, cfg, eng, slog.Default(), &wg)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer cleanup()
	if err := tx.TransmitFrame([]byte{1}, modem.Mode{Name: "sig"}, 1, 0); err != nil {
		t.Fatalf("null TransmitFrame: %v", err)
	}
}

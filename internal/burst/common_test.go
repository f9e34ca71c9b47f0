package burst

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 20)
	compressed, ratio, err := compress(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if ratio == 0 {
		t.Errorf("expected a nonzero compression ratio for repetitive input")
	}
	out, err := decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", len(out), len(payload))
	}
}

func TestBuildExtractEnvelopeRoundTrip(t *testing.T) {
	payload := []byte("hello over the air")
	envelope, err := buildEnvelope(payload)
	if err != nil {
		t.Fatalf("buildEnvelope: %v", err)
	}
	out, ok, err := extractPayload(envelope)
	if err != nil {
		t.Fatalf("extractPayload: %v", err)
	}
	if !ok {
		t.Fatalf("extractPayload: ok = false, want true")
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("got %q, want %q", out, payload)
	}
}

func TestExtractPayloadIncompleteBuffer(t *testing.T) {
	envelope, err := buildEnvelope([]byte("partial"))
	if err != nil {
		t.Fatalf("buildEnvelope: %v", err)
	}
	truncated := envelope[:len(envelope)-5] // drop the EOF marker and some payload
	_, ok, err := extractPayload(truncated)
	if err != nil {
		t.Fatalf("extractPayload on truncated buffer: %v", err)
	}
	if ok {
		t.Errorf("expected ok = false for a buffer missing EOF")
	}
}

func TestExtractPayloadCRCMismatch(t *testing.T) {
	envelope, err := buildEnvelope([]byte("hello"))
	if err != nil {
		t.Fatalf("buildEnvelope: %v", err)
	}
	// Corrupt a byte inside the compressed payload without touching the
	// BOF/EOF markers or the length field.
	corrupt := append([]byte(nil), envelope...)
	corrupt[len(corrupt)-5] ^= 0xFF
	_, ok, err := extractPayload(corrupt)
	if !ok {
		t.Fatalf("expected ok = true (envelope complete) even on CRC mismatch")
	}
	if err != ErrCRCMismatch {
		t.Errorf("err = %v, want ErrCRCMismatch", err)
	}
}

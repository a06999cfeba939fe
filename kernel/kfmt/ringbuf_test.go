package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBufferReadWrite(t *testing.T) {
	var rb ringBuffer

	if n, err := rb.Write([]byte("early boot output")); n != 17 || err != nil {
		t.Fatalf("unexpected write result: n=%d err=%v", n, err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, &rb); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "early boot output" {
		t.Fatalf("expected the buffered bytes back in order; got %q", got)
	}

	// Draining leaves the buffer empty.
	if n, err := rb.Read(make([]byte, 4)); n != 0 || err != io.EOF {
		t.Fatalf("expected io.EOF on an empty buffer; n=%d err=%v", n, err)
	}
}

func TestRingBufferOverflowKeepsNewestOutput(t *testing.T) {
	var rb ringBuffer

	// Overfill the buffer so the first bytes are overwritten.
	payload := make([]byte, ringBufferSize+16)
	for i := range payload {
		payload[i] = byte('a' + i%16)
	}
	if n, err := rb.Write(payload); n != len(payload) || err != nil {
		t.Fatalf("unexpected write result: n=%d err=%v", n, err)
	}

	drained := make([]byte, 2*ringBufferSize)
	n, err := rb.Read(drained)
	if err != nil {
		t.Fatal(err)
	}
	if n != ringBufferSize {
		t.Fatalf("expected %d buffered bytes; got %d", ringBufferSize, n)
	}

	// The retained window is the newest ringBufferSize bytes.
	exp := payload[len(payload)-ringBufferSize:]
	for i := 0; i < n; i++ {
		if drained[i] != exp[i] {
			t.Fatalf("expected the newest bytes to survive; mismatch at index %d", i)
		}
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	var rb ringBuffer

	// Interleave writes and reads so the data wraps the backing array.
	chunk := make([]byte, ringBufferSize/2+8)
	for round := 0; round < 5; round++ {
		for i := range chunk {
			chunk[i] = byte(round)
		}
		if _, err := rb.Write(chunk); err != nil {
			t.Fatal(err)
		}

		out := make([]byte, len(chunk))
		n, err := rb.Read(out)
		if err != nil || n != len(chunk) {
			t.Fatalf("[round %d] unexpected read result: n=%d err=%v", round, n, err)
		}
		for i := 0; i < n; i++ {
			if out[i] != byte(round) {
				t.Fatalf("[round %d] unexpected byte at index %d: %d", round, i, out[i])
			}
		}
	}
}

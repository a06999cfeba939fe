package kfmt

import (
	"bytes"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	var (
		buf bytes.Buffer
		w   = PrefixWriter{Sink: &buf, Prefix: []byte("[sched] ")}
	)

	n, err := w.Write([]byte("line one\nline two\n"))
	if err != nil {
		t.Fatal(err)
	}
	// The reported count excludes the injected prefixes.
	if n != 18 {
		t.Fatalf("expected 18 bytes reported; got %d", n)
	}

	if got, exp := buf.String(), "[sched] line one\n[sched] line two\n"; got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestPrefixWriterSplitLines(t *testing.T) {
	var (
		buf bytes.Buffer
		w   = PrefixWriter{Sink: &buf, Prefix: []byte("> ")}
	)

	// A line split across Write calls receives a single prefix.
	w.Write([]byte("partial"))
	w.Write([]byte(" line\nnext"))
	w.Write([]byte("\n"))

	if got, exp := buf.String(), "> partial line\n> next\n"; got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

type writerThatAlwaysErrors struct{}

func (writerThatAlwaysErrors) Write(_ []byte) (int, error) {
	return 0, errSinkFailed
}

var errSinkFailed = &sinkError{}

type sinkError struct{}

func (*sinkError) Error() string { return "sink failed" }

func TestPrefixWriterSinkErrors(t *testing.T) {
	w := PrefixWriter{Sink: writerThatAlwaysErrors{}, Prefix: []byte("x ")}

	if n, err := w.Write([]byte("data\n")); err == nil || n != 0 {
		t.Fatalf("expected the sink error to propagate; n=%d err=%v", n, err)
	}
}

package main

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestProgressReaderCountsBytes(t *testing.T) {
	data := make([]byte, 10000)
	pr := newProgressReader(bytes.NewReader(data), testLogger(), time.Hour)

	n, err := io.Copy(io.Discard, pr)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) {
		t.Errorf("copied %d bytes, want %d", n, len(data))
	}
	if pr.Total() != int64(len(data)) {
		t.Errorf("Total() = %d, want %d", pr.Total(), len(data))
	}
}

type errAfterReader struct {
	r    io.Reader
	left int
	err  error
}

func (e *errAfterReader) Read(p []byte) (int, error) {
	if e.left <= 0 {
		return 0, e.err
	}
	if len(p) > e.left {
		p = p[:e.left]
	}
	n, err := e.r.Read(p)
	e.left -= n
	return n, err
}

func TestProgressReaderPassesErrorsThrough(t *testing.T) {
	wantErr := errors.New("device read error")
	src := &errAfterReader{r: bytes.NewReader(make([]byte, 1000)), left: 500, err: wantErr}
	pr := newProgressReader(src, testLogger(), time.Hour)

	_, err := io.Copy(io.Discard, pr)
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
	if pr.Total() != 500 {
		t.Errorf("Total() = %d, want 500", pr.Total())
	}
}

package remote

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectLines(t *testing.T, s *Stream, n int) []string {
	t.Helper()
	lines := make([]string, 0, n)
	timeout := time.After(2 * time.Second)
	for len(lines) < n {
		select {
		case line, ok := <-s.Lines():
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-timeout:
			t.Fatalf("timed out waiting for %d lines, got %v", n, lines)
		}
	}
	return lines
}

func waitClosed(t *testing.T, s *Stream) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Lines():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestStreamDeliversLinesInOrder(t *testing.T) {
	pr, pw := io.Pipe()
	s := newStream(context.Background(), pr, pr.Close)

	go func() {
		pw.Write([]byte("first\n"))
		pw.Write([]byte("second\n"))
		pw.Write([]byte("third\n"))
		pw.Close()
	}()

	assert.Equal(t, []string{"first", "second", "third"}, collectLines(t, s, 3))
	waitClosed(t, s)
	require.NoError(t, s.Close())
}

func TestStreamCloseUnblocksReadLoop(t *testing.T) {
	pr, pw := io.Pipe()
	s := newStream(context.Background(), pr, pr.Close)

	go pw.Write([]byte("only\n"))
	assert.Equal(t, []string{"only"}, collectLines(t, s, 1))

	// No more output is coming; Close must end the stream anyway.
	require.NoError(t, s.Close())
	waitClosed(t, s)
}

func TestStreamContextCancelStopsPump(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	s := newStream(ctx, pr, pr.Close)

	// The pump is blocked handing this line to a receiver that never comes.
	go pw.Write([]byte("undelivered\n"))
	time.Sleep(50 * time.Millisecond)
	cancel()

	waitClosed(t, s)
	s.Close()
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	pr, _ := io.Pipe()
	calls := 0
	s := newStream(context.Background(), pr, func() error {
		calls++
		pr.Close()
		return nil
	})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)
}

package remote

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// Stream is a lazy, single-pass feed of output lines from a running remote
// command. Lines is closed when the remote process ends, the context is
// cancelled, or the stream is closed. Close releases the connection and is
// the caller's responsibility on every path.
type Stream struct {
	lines    chan string
	closeFn  func() error
	once     sync.Once
	closeErr error
}

func newStream(ctx context.Context, output io.Reader, closeFn func() error) *Stream {
	s := &Stream{
		lines:   make(chan string),
		closeFn: closeFn,
	}

	go func() {
		defer close(s.lines)
		scanner := bufio.NewScanner(output)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case s.lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	return s
}

// Lines returns the output channel. The sequence is forward-only and not
// restartable.
func (s *Stream) Lines() <-chan string {
	return s.lines
}

// Close tears down the underlying connection. Closing unblocks the read
// loop, so Lines drains and closes shortly after. Safe to call more than
// once.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.closeErr = s.closeFn()
	})
	return s.closeErr
}

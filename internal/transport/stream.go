package transport

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrShellClosed is returned by Send and Drain once the shell is gone.
var ErrShellClosed = errors.New("shell closed")

const (
	quietWindow  = 100 * time.Millisecond
	maxCollect   = 2 * time.Second
	pollInterval = 20 * time.Millisecond
)

// streamShell adapts a byte stream pair to Shell. A single goroutine reads the output side
// into a buffer; Drain only ever takes from that buffer.
type streamShell struct {
	w         io.Writer
	interrupt func() error
	closeFn   func() error

	mu      sync.Mutex
	buf     bytes.Buffer
	lastIn  time.Time
	readErr error

	ended     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newStreamShell(w io.Writer, r io.Reader, interrupt, closeFn func() error) *streamShell {
	s := &streamShell{
		w:         w,
		interrupt: interrupt,
		closeFn:   closeFn,
		ended:     make(chan struct{}),
		closed:    make(chan struct{}),
	}
	go s.readLoop(r)
	return s
}

func (s *streamShell) readLoop(r io.Reader) {
	defer close(s.ended)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			s.lastIn = time.Now()
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
	}
}

func (s *streamShell) Send(line string) error {
	if s.isClosed() {
		return ErrShellClosed
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err := io.WriteString(s.w, line)
	return err
}

func (s *streamShell) Drain(wait time.Duration) (string, error) {
	if s.isClosed() {
		return "", ErrShellClosed
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.closed:
			t.Stop()
			return s.take(), ErrShellClosed
		case <-s.ended:
			t.Stop()
		}
	}

	var out strings.Builder
	out.WriteString(s.take())
	start := time.Now()
	for time.Since(start) < maxCollect {
		select {
		case <-s.closed:
			out.WriteString(s.take())
			return out.String(), ErrShellClosed
		case <-s.ended:
			out.WriteString(s.take())
			if out.Len() == 0 {
				return "", s.endErr()
			}
			return out.String(), nil
		case <-time.After(pollInterval):
		}
		if chunk := s.take(); chunk != "" {
			out.WriteString(chunk)
			continue
		}
		if s.quietFor() >= quietWindow {
			break
		}
	}
	return out.String(), nil
}

func (s *streamShell) Interrupt() error {
	if s.isClosed() {
		return ErrShellClosed
	}
	if s.interrupt != nil {
		return s.interrupt()
	}
	_, err := io.WriteString(s.w, "\x03")
	return err
}

func (s *streamShell) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}

func (s *streamShell) take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return ""
	}
	out := s.buf.String()
	s.buf.Reset()
	return out
}

func (s *streamShell) quietFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastIn.IsZero() {
		return quietWindow
	}
	return time.Since(s.lastIn)
}

func (s *streamShell) endErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil && !errors.Is(s.readErr, io.EOF) {
		return errors.Join(ErrShellClosed, s.readErr)
	}
	return ErrShellClosed
}

func (s *streamShell) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

package testutil

import (
	"bytes"
	"log"
	"sync"
	"testing"
)

// TestLogger returns a logger that writes into the test's own log, so
// output is attached to the right test and hidden unless it fails or
// runs verbose.
func TestLogger(t *testing.T) *log.Logger {
	w := &testWriter{t: t}
	t.Cleanup(w.detach)
	return log.New(w, t.Name()+" ", log.LstdFlags)
}

// testWriter drops writes after the test finishes; background
// goroutines may still be flushing log lines during teardown.
type testWriter struct {
	mu       sync.Mutex
	t        *testing.T
	detached bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.detached {
		w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	}
	return len(p), nil
}

func (w *testWriter) detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.detached = true
}

// Package hub implements the Stream Hub: it owns the current child's stdin
// sink, a line-broadcast of merged stdout/stderr, and a bounded ring buffer
// of historical output bytes. It is rebuilt on every child start.
//
// Grounded on the reader/merger/stdin-writer goroutines in
// original_source/src/process/run.rs and the OUTPUT_CACHE/OUTPUT_WATCH/STDIN
// cells in original_source/src/process/mod.rs, reworked as a constructed
// value instead of process-wide singletons.
package hub

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Hub is safe for concurrent use. Install/TearDown replace the per-generation
// artifacts (stdin sink, broadcast); the ring buffer persists across child
// lifetimes.
type Hub struct {
	ring *ring

	mu      sync.Mutex
	stdinCh chan string
	latch   *latch
	mirror  Mirror
}

// Mirror optionally tees output lines to disk independent of the in-memory
// ring buffer (SPEC_FULL §2.2's process.log.dir supplement), the way the
// teacher's lumberjack-backed internal/logger mirrors a managed process's
// streams to rotated files. Either field may be nil.
type Mirror struct {
	Stdout io.Writer
	Stderr io.Writer
}

// New creates a Hub with a ring buffer sized cacheSize bytes.
func New(cacheSize int) *Hub {
	return &Hub{ring: newRing(cacheSize)}
}

// SetMirror installs (or clears, with the zero value) the optional disk
// mirror. Safe to call at any time; takes effect from the next line read
// onward.
func (h *Hub) SetMirror(m Mirror) {
	h.mu.Lock()
	h.mirror = m
	h.mu.Unlock()
}

// Install wires up a new generation's pipeline: two line readers (stdout,
// stderr), a merger feeding a latched broadcast, and a stdin writer. It
// replaces any existing sink/broadcast; callers must have first established
// that the previous child is gone.
func (h *Hub) Install(stdout, stderr io.Reader, stdin io.WriteCloser) {
	stdinCh := make(chan string, 16)
	lt := newLatch()

	h.mu.Lock()
	h.stdinCh = stdinCh
	h.latch = lt
	h.mu.Unlock()

	merged := make(chan string, 64)
	go h.readLines(stdout, merged, "stdout")
	go h.readLines(stderr, merged, "stderr")
	go mergeLoop(merged, lt)
	go writeStdin(stdin, stdinCh)
}

// TearDown drops the stdin sink and broadcast; the ring buffer is preserved.
func (h *Hub) TearDown() {
	h.mu.Lock()
	h.stdinCh = nil
	h.latch = nil
	h.mu.Unlock()
}

// SnapshotHistory returns the ordered contents of the ring, oldest first.
func (h *Hub) SnapshotHistory() []byte {
	return h.ring.Snapshot()
}

// StdinHandle returns the current stdin sink, if a child is installed.
func (h *Hub) StdinHandle() (chan<- string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdinCh == nil {
		return nil, false
	}
	return h.stdinCh, true
}

// Subscription exposes the latched broadcast to a reader: Value is the
// current/most-recent line, Changed closes the next time a new line arrives.
type Subscription struct {
	l *latch
}

func (s Subscription) Value() string                      { v, _ := s.l.Get(); return v }
func (s Subscription) Changed() (string, <-chan struct{}) { return s.l.Get() }

// OutputSubscription returns a subscription to the broadcast, if a child is
// installed.
func (h *Hub) OutputSubscription() (Subscription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latch == nil {
		return Subscription{}, false
	}
	return Subscription{l: h.latch}, true
}

// SendStdin forwards line to the stdin sink, whose writer trims trailing
// whitespace and appends a single newline. Returns false if no sink is
// installed or the sink is full.
func (h *Hub) SendStdin(line string) bool {
	ch, ok := h.StdinHandle()
	if !ok {
		return false
	}
	select {
	case ch <- line:
		return true
	default:
		slog.Warn("stdin sink full, dropping line")
		return false
	}
}

func (h *Hub) readLines(r io.Reader, merged chan<- string, streamName string) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			h.ring.Write([]byte(line))
			h.writeMirror(streamName, line)
			merged <- line
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("reading child stream failed", "stream", streamName, "error", err)
				continue
			}
			return
		}
	}
}

// writeMirror writes line to the stream-appropriate mirror writer, if one
// is installed. Write failures are logged and otherwise ignored: the
// mirror is a best-effort supplement, never load-bearing for the Stream
// Hub's own contract.
func (h *Hub) writeMirror(streamName, line string) {
	h.mu.Lock()
	m := h.mirror
	h.mu.Unlock()

	var w io.Writer
	switch streamName {
	case "stdout":
		w = m.Stdout
	case "stderr":
		w = m.Stderr
	}
	if w == nil {
		return
	}
	if _, err := w.Write([]byte(line)); err != nil {
		slog.Warn("writing mirrored log line failed", "stream", streamName, "error", err)
	}
}

func mergeLoop(merged <-chan string, lt *latch) {
	for line := range merged {
		lt.Set(line)
	}
}

func writeStdin(w io.WriteCloser, ch <-chan string) {
	defer func() { _ = w.Close() }()
	for line := range ch {
		trimmed := strings.TrimRight(line, " \t\r\n")
		if _, err := w.Write([]byte(trimmed)); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return
		}
	}
}

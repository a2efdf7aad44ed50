// Package ctlsocket implements the Control Socket Server (spec §4.4): a
// local stream socket that replays the history buffer to each new client
// and then bidirectionally bridges the client to the Stream Hub until
// either end closes.
//
// Grounded verbatim on original_source/src/socket.rs's setup/run_socket/
// handle_client: the "Uninitialized" literal marker, the history-then-bridge
// ordering, and the independent per-client snapshot+subscription semantics.
package ctlsocket

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/loykin/dolorous/internal/hub"
)

// uninitializedMarker is written verbatim to a client that connects before
// any child has ever been installed into the Stream Hub.
const uninitializedMarker = "Uninitialized"

// Server binds path and bridges every accepted connection to h until Close
// is called.
type Server struct {
	path     string
	listener net.Listener
	hub      *hub.Hub
}

// Listen binds a unix domain socket at path. The socket file is unlinked
// first if stale, matching the teacher's tolerance for a leftover file from
// an unclean shutdown.
func Listen(path string, h *hub.Hub) (*Server, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Server{path: path, listener: l, hub: h}, nil
}

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine. It returns when the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		id := uuid.NewString()
		go s.handleClient(id, conn)
	}
}

// Close stops accepting connections and unlinks the socket file best-effort
// (spec §5 "On shutdown, the socket file is unlinked best-effort").
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleClient(id string, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	log := slog.With("client", id)

	stdin, okStdin := s.hub.StdinHandle()
	sub, okSub := s.hub.OutputSubscription()
	if !okStdin || !okSub {
		_, _ = io.WriteString(conn, uninitializedMarker)
		return
	}

	history := s.hub.SnapshotHistory()
	if _, err := conn.Write(history); err != nil {
		log.Warn("failed writing history snapshot", "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readClient(log, conn, stdin)
	}()
	s.writeBroadcast(log, conn, sub)
	// Closing here unblocks readClient's pending Read once the writer side
	// has given up, even if the client never sends EOF itself.
	_ = conn.Close()
	<-done
}

// readClient forwards lines from the client to the stdin sink until EOF or a
// send error; it does not tear down the writer goroutine (spec §4.4 step 3).
func (s *Server) readClient(log *slog.Logger, conn net.Conn, stdin chan<- string) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			select {
			case stdin <- line:
			default:
				log.Warn("stdin sink full, dropping client line")
			}
		}
		if err != nil {
			return
		}
	}
}

// writeBroadcast waits for each subsequent broadcast change and writes the
// latest line, until a write fails. The history snapshot already covers
// everything up to subscription time, so the value in effect at
// subscription is not re-written here (spec §4.4 step 3, mirroring
// watch.changed().await in original_source/src/socket.rs).
func (s *Server) writeBroadcast(log *slog.Logger, conn net.Conn, sub hub.Subscription) {
	_, changed := sub.Changed()
	for {
		<-changed
		value, next := sub.Changed()
		changed = next
		if value == "" {
			continue
		}
		if _, err := io.WriteString(conn, value); err != nil {
			return
		}
	}
}

package ctlsocket

import (
	"bufio"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/dolorous/internal/hub"
	"github.com/stretchr/testify/require"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestUninitializedBeforeInstall(t *testing.T) {
	h := hub.New(1024)
	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv, err := Listen(path, h)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()
	go func() { _ = srv.Serve() }()

	conn, err := dialWithRetry(path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	buf := make([]byte, len(uninitializedMarker))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, uninitializedMarker, string(buf))
}

func TestHistoryThenBridge(t *testing.T) {
	h := hub.New(1024)
	h.Install(strings.NewReader("hi\n"), strings.NewReader(""), nopWriteCloser{&strings.Builder{}})
	require.Eventually(t, func() bool { return string(h.SnapshotHistory()) == "hi\n" }, time.Second, time.Millisecond)

	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv, err := Listen(path, h)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()
	go func() { _ = srv.Serve() }()

	conn, err := dialWithRetry(path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hi\n", line)
}

func dialWithRetry(path string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	return nil, lastErr
}

package hub

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestRingSnapshotOldestFirst(t *testing.T) {
	r := newRing(8)
	r.Write([]byte("abcdefgh"))
	r.Write([]byte("ij"))
	require.Equal(t, "cdefghij", string(r.Snapshot()))
}

func TestInstallBridgesStdoutToBroadcastAndHistory(t *testing.T) {
	h := New(1024)
	stdout := strings.NewReader("hi\n")
	stderr := strings.NewReader("")
	var stdinBuf strings.Builder
	h.Install(stdout, stderr, nopWriteCloser{&stdinBuf})

	sub, ok := h.OutputSubscription()
	require.True(t, ok)

	deadline := time.After(time.Second)
	for sub.Value() != "hi\n" {
		_, ch := sub.Changed()
		select {
		case <-ch:
		case <-deadline:
			t.Fatal("timed out waiting for broadcast value")
		}
	}

	require.Eventually(t, func() bool {
		return string(h.SnapshotHistory()) == "hi\n"
	}, time.Second, time.Millisecond)
}

func TestSendStdinAbsentSinkReturnsFalse(t *testing.T) {
	h := New(64)
	require.False(t, h.SendStdin("x"))
}

func TestTearDownClearsSinkAndBroadcast(t *testing.T) {
	h := New(64)
	h.Install(strings.NewReader(""), strings.NewReader(""), nopWriteCloser{&strings.Builder{}})
	_, ok := h.StdinHandle()
	require.True(t, ok)
	h.TearDown()
	_, ok = h.StdinHandle()
	require.False(t, ok)
	_, ok = h.OutputSubscription()
	require.False(t, ok)
}

func TestMirrorReceivesStreamSeparatedLines(t *testing.T) {
	h := New(64)
	var stdoutMirror, stderrMirror strings.Builder
	h.SetMirror(Mirror{Stdout: &stdoutMirror, Stderr: &stderrMirror})

	h.Install(strings.NewReader("out-line\n"), strings.NewReader("err-line\n"), nopWriteCloser{&strings.Builder{}})

	require.Eventually(t, func() bool {
		return stdoutMirror.String() == "out-line\n" && stderrMirror.String() == "err-line\n"
	}, time.Second, time.Millisecond)
}

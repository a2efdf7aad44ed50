package logger

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWritersWithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers()
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	if _, err := os.Stat(filepath.Join(dir, ChildLogName+".stdout.log")); err != nil {
		t.Fatalf("stdout log not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ChildLogName+".stderr.log")); err != nil {
		t.Fatalf("stderr log not created: %v", err)
	}
}

func TestWritersDefaults(t *testing.T) {
	cfg := Config{StdoutPath: "x", StderrPath: "y"}
	outW, errW, _ := cfg.Writers()
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	if !ok1 || !ok2 {
		t.Fatalf("writers are not lumberjack.Logger")
	}
	if ol.MaxSize != 10 || ol.MaxBackups != 3 || ol.MaxAge != 7 {
		t.Fatalf("unexpected defaults: %+v", ol)
	}
	if el.MaxSize != 10 || el.MaxBackups != 3 || el.MaxAge != 7 {
		t.Fatalf("unexpected defaults: %+v", el)
	}
}

func TestWritersNilWhenUnset(t *testing.T) {
	cfg := Config{}
	outW, errW, _ := cfg.Writers()
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when no Dir/stdout/stderr set")
	}
}

func TestParseLevelUnknownFallsBackToInfo(t *testing.T) {
	if parseLevel("not-a-real-level") != parseLevel("info") {
		t.Fatalf("expected unknown filter to fall back to info")
	}
}

func TestParseLevelRecognisesEachName(t *testing.T) {
	if parseLevel("debug") == parseLevel("info") {
		t.Fatalf("debug and info levels must differ")
	}
	if parseLevel("warn") == parseLevel("error") {
		t.Fatalf("warn and error levels must differ")
	}
}

func TestSetupInstallsDefaultLogger(t *testing.T) {
	t.Setenv("DOLOROUS_LOG", "")
	Setup("info")
}

package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lumen-chat/chatsync/internal/config"
)

func TestNew_Prefix(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "sync").Printf("round complete")
	if !strings.HasPrefix(buf.String(), "[sync] ") || !strings.Contains(buf.String(), "round complete") {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	New(&buf, "").Print("bare")
	if strings.HasPrefix(buf.String(), "[") {
		t.Errorf("empty component should have no prefix: %q", buf.String())
	}
}

func TestSink_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatsync.log")
	sink, err := NewSink(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("NewSink() failed: %v", err)
	}

	sink.Logger("daemon").Println("started")
	sink.Logger("server").Println("listening")
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"[daemon] ", "started", "[server] ", "listening"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log file missing %q:\n%s", want, data)
		}
	}
}

func TestSink_Stderr(t *testing.T) {
	sink, err := NewSink(config.LogConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if sink.Writer() != os.Stderr {
		t.Error("default sink should write to stderr")
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestWriterSinkAndDiscard(t *testing.T) {
	var buf bytes.Buffer
	WriterSink(&buf).Logger("dashboard").Print("hello")
	if !strings.Contains(buf.String(), "[dashboard] hello") {
		t.Errorf("output = %q", buf.String())
	}
	Discard().Print("nothing")
}

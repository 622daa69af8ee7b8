package logging

import (
	"log"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/vpsdeck/internal/config"
)

func TestInitAndReadTail(t *testing.T) {
	dir := t.TempDir()
	config.Cfg.LogPath = filepath.Join(dir, "sub", "test.log")
	defer func() { config.Cfg.LogPath = "" }()

	Init()
	defer Close()

	for i := 0; i < 5; i++ {
		log.Printf("line-%d", i)
	}

	tail, err := ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), tail)
	}
	if !strings.HasSuffix(lines[1], "line-4") {
		t.Errorf("last line = %q", lines[1])
	}
}

func TestReadTailMissingFile(t *testing.T) {
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "absent.log")
	defer func() { config.Cfg.LogPath = "" }()

	tail, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty tail, got %q", tail)
	}
}

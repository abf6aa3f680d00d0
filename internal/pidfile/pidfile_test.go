package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.pid")
	if err := Write(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, running, err := Status(path)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !running {
		t.Fatalf("expected own pid %d to be reported running", pid)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestStatusMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pid")
	_, running, err := Status(path)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if running {
		t.Fatalf("expected not running for missing pid file")
	}
}

func TestWriteRefusesWhileRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.pid")
	if err := Write(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Write(path); err == nil {
		t.Fatalf("expected second write to refuse while the recorded pid is alive")
	}
}

func TestRemoveMissingIsNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pid")
	if err := Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
}

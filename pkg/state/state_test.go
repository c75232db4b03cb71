package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileRepository_LoadMissing(t *testing.T) {
	repo := NewFileRepository(t.TempDir())

	s, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.IsEmpty() {
		t.Errorf("Load() = %+v, want empty", s)
	}
}

func TestFileRepository_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileRepository(dir)
	ctx := context.Background()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := Begin("sess-1", 99, start)
	s.Beat(start.Add(10 * time.Second))
	s.WarnMemory(start.Add(11 * time.Second))

	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "session.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.SessionID != "sess-1" || got.PID != 99 {
		t.Errorf("Load() = %+v", got)
	}
	if got.ForegroundDuration != 10*time.Second {
		t.Errorf("ForegroundDuration = %v, want 10s", got.ForegroundDuration)
	}
	if !got.MemoryWarning {
		t.Error("MemoryWarning not persisted")
	}
}

func TestFileRepository_TornMarkerIsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "session.json"), []byte(`{"session_id": "x`), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileRepository(dir).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.IsEmpty() {
		t.Errorf("Load() = %+v, want empty", s)
	}
}

func TestState_BackgroundTimeNotCounted(t *testing.T) {
	start := time.Unix(1000, 0)
	s := Begin("s", 1, start)

	s.SetForeground(false, start.Add(5*time.Second))
	s.Beat(start.Add(60 * time.Second))
	s.SetForeground(true, start.Add(70*time.Second))
	s.Beat(start.Add(75 * time.Second))

	if s.ForegroundDuration != 10*time.Second {
		t.Errorf("ForegroundDuration = %v, want 10s", s.ForegroundDuration)
	}
}

func TestState_WarnMemoryOnce(t *testing.T) {
	s := Begin("s", 1, time.Now())
	if !s.WarnMemory(time.Now()) {
		t.Error("first warning should report true")
	}
	if s.WarnMemory(time.Now()) {
		t.Error("second warning should report false")
	}
}

package results

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunID(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	if got := RunID("a1", at); got != "a1-20250314T092653Z" {
		t.Fatalf("RunID = %s", got)
	}
}

func TestRunStorage_Layout(t *testing.T) {
	base := t.TempDir()
	s, err := NewRunStorage(base, "a1-20250314T092653Z")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	dir, err := s.RepetitionDir(3)
	if err != nil {
		t.Fatalf("repetition dir: %v", err)
	}
	if filepath.Base(dir) != "run-03" {
		t.Fatalf("repetition dir = %s, want run-03", dir)
	}

	if err := s.WriteJSON("raw/run-03/result.json", map[string]int{"count": 5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteJSON("summary.json", map[string]string{"ok": "yes"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.Root(), "raw", "run-03", "result.json"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		t.Fatal("result.json not newline-terminated")
	}
}

type storedThing struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestFileStore_SaveLoadListExists(t *testing.T) {
	fs, err := NewFileStore[storedThing](t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if fs.Exists("run-1") {
		t.Fatal("exists before save")
	}
	if err := fs.Save("run-1", storedThing{Name: "baseline", Count: 7}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !fs.Exists("run-1") {
		t.Fatal("not exists after save")
	}

	got, err := fs.Load("run-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Name != "baseline" || got.Count != 7 {
		t.Fatalf("loaded %+v", got)
	}

	infos, err := fs.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "run-1" {
		t.Fatalf("list = %+v", infos)
	}

	if _, err := fs.Load("nope"); err == nil {
		t.Fatal("load of missing id succeeded")
	}
}

package device

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseRingerMode(t *testing.T) {
	tests := []struct {
		in      string
		want    RingerMode
		wantErr bool
	}{
		{"normal", RingerNormal, false},
		{"  Vibrate\n", RingerVibrate, false},
		{"SILENT", RingerSilent, false},
		{"", RingerNormal, false},
		{"loud", RingerNormal, true},
	}
	for _, tt := range tests {
		got, err := ParseRingerMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRingerMode(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRingerMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFileRingerMode_MissingFileIsNormal(t *testing.T) {
	r, err := NewFileRingerMode(filepath.Join(t.TempDir(), "ringer"), testLogger())
	if err != nil {
		t.Fatalf("NewFileRingerMode: %v", err)
	}
	if r.Mode() != RingerNormal || r.Silent() {
		t.Errorf("mode = %v, want normal", r.Mode())
	}
}

func TestFileRingerMode_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ringer")
	if err := os.WriteFile(path, []byte("deafening"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileRingerMode(path, testLogger()); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestFileRingerMode_Set(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ringer")
	r, err := NewFileRingerMode(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileRingerMode: %v", err)
	}
	if err := r.Set(RingerSilent); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !r.Silent() {
		t.Error("Silent() = false after Set(silent)")
	}

	reopened, err := NewFileRingerMode(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Mode() != RingerSilent {
		t.Errorf("persisted mode = %v, want silent", reopened.Mode())
	}
}

func TestFileRingerMode_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ringer")
	r, err := NewFileRingerMode(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileRingerMode: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("vibrate\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Mode() != RingerVibrate {
		if time.Now().After(deadline) {
			t.Fatalf("mode = %v, want vibrate after file change", r.Mode())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for r.Mode() != RingerNormal {
		if time.Now().After(deadline) {
			t.Fatalf("mode = %v, want normal after removal", r.Mode())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

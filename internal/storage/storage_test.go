package storage

import (
	"path/filepath"
	"testing"

	"github.com/proxy-checker-api/internal/judge"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		SavedAtEpochMs: 1000,
		Judges: []judge.PersistedState{
			{URL: "http://judge.example/echo", Scheme: "http", ObservedLatencyMs: 120, SuccessCount: 5, Healthy: true},
		},
	}
}

func TestFileStorage_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "judges.json")
	s, err := NewFileStorage(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Save(sampleSnapshot()); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Judges) != 1 || got.Judges[0].URL != "http://judge.example/echo" {
		t.Fatalf("Load() = %+v, want round-tripped sample", got)
	}
}

func TestFileStorage_LoadMissingFileReturnsNilNoError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	s, err := NewFileStorage(path)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("Load() on missing file = %+v, want nil", got)
	}
}

func TestSQLiteStorage_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "judges.db")
	s, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Save(sampleSnapshot()); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Judges) != 1 || got.Judges[0].SuccessCount != 5 {
		t.Fatalf("Load() = %+v, want round-tripped sample", got)
	}
}

func TestNewStorage_UnknownTypeErrors(t *testing.T) {
	if _, err := NewStorage("memcached", "path"); err == nil {
		t.Fatal("expected an unknown storage type to error")
	}
}

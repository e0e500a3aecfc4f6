package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultTimers(t *testing.T) {
	cfg := Default()
	if cfg.Timers.Setup.Seconds() != 60 {
		t.Errorf("setup timeout = %v, want 60s", cfg.Timers.Setup)
	}
	if cfg.Timers.Term.Seconds() != 5 {
		t.Errorf("term timeout = %v, want 5s", cfg.Timers.Term)
	}
	if cfg.MaxRetriesFor(ConvOneOnOne) != 0 {
		t.Errorf("oneonone retries = %d, want 0", cfg.MaxRetriesFor(ConvOneOnOne))
	}
	if cfg.MaxRetriesFor(ConvGroup) != 2 {
		t.Errorf("group retries = %d, want 2", cfg.MaxRetriesFor(ConvGroup))
	}
	if cfg.MaxRetriesFor(ConvConference) != 2 {
		t.Errorf("conference retries = %d, want 2", cfg.MaxRetriesFor(ConvConference))
	}
}

func TestValidateRejectsTooManyTurnServers(t *testing.T) {
	cfg := Default()
	for i := 0; i < MaxTurnServers+1; i++ {
		cfg.TurnServers = append(cfg.TurnServers, TurnServer{URL: "turn:example.org"})
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject more than MaxTurnServers entries")
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callcore.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected Ensure to report the file as newly created")
	}
	if cfg.Timers.Setup != Default().Timers.Setup {
		t.Fatalf("Ensure returned unexpected defaults: %+v", cfg)
	}

	cfg2, created2, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure (second call): %v", err)
	}
	if created2 {
		t.Fatal("expected second Ensure call to load the existing file")
	}
	if cfg2.Timers != cfg.Timers {
		t.Fatalf("reloaded config differs: %+v vs %+v", cfg2, cfg)
	}
}

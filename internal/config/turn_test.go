package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTurnWatcherReportsOverflowWithoutTruncatingSilently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "turnservers.json")

	var servers []TurnServer
	for i := 0; i < MaxTurnServers+3; i++ {
		servers = append(servers, TurnServer{URL: "turn:example.org:3478"})
	}
	b, err := json.Marshal(servers)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	overflowCh := make(chan int, 1)
	changeCh := make(chan []TurnServer, 1)

	tw, err := NewTurnWatcher(path, func(s []TurnServer) {
		changeCh <- s
	}, func(dropped int) {
		overflowCh <- dropped
	})
	if err != nil {
		t.Fatalf("NewTurnWatcher: %v", err)
	}
	defer tw.Close()

	select {
	case got := <-changeCh:
		if len(got) != MaxTurnServers {
			t.Errorf("bounded list length = %d, want %d", len(got), MaxTurnServers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial onChange")
	}

	select {
	case dropped := <-overflowCh:
		if dropped != 3 {
			t.Errorf("dropped = %d, want 3", dropped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for overflow report")
	}

	if got := len(tw.Servers()); got != MaxTurnServers {
		t.Errorf("Servers() length = %d, want %d", got, MaxTurnServers)
	}
}

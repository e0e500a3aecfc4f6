package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/avscall/callcore/internal/obslog"
)

// TurnWatcher watches a TURN-server JSON file and republishes its contents
// on change, mirroring the teacher's fsnotify.Watcher usage in
// internal/lua/engine.go (watch a directory, react to write events, log and
// continue on watcher errors).
type TurnWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	closed  chan struct{}

	mu        sync.RWMutex
	servers   []TurnServer
	onChange  func([]TurnServer)
	onOverflow func(dropped int)
}

// NewTurnWatcher loads path (creating it with an empty list if absent) and
// starts watching it for changes. onChange fires with the bounded (≤
// MaxTurnServers) list after every reload; onOverflow fires with the count
// of entries beyond MaxTurnServers that were reported rather than silently
// dropped (§3 invariant, §8 S4).
func NewTurnWatcher(path string, onChange func([]TurnServer), onOverflow func(dropped int)) (*TurnWatcher, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && filepath.Dir(path) != "." {
			return nil, fmt.Errorf("config: create turn server dir: %w", err)
		}
		if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("config: create turn server file: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch turn server dir: %w", err)
	}

	tw := &TurnWatcher{
		path:       path,
		watcher:    watcher,
		closed:     make(chan struct{}),
		onChange:   onChange,
		onOverflow: onOverflow,
	}
	if err := tw.reload(); err != nil {
		watcher.Close()
		return nil, err
	}
	go tw.watchLoop()
	return tw, nil
}

// Servers returns the most recently loaded, bounded TURN server list.
func (tw *TurnWatcher) Servers() []TurnServer {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	out := make([]TurnServer, len(tw.servers))
	copy(out, tw.servers)
	return out
}

func (tw *TurnWatcher) reload() error {
	b, err := os.ReadFile(tw.path)
	if err != nil {
		return fmt.Errorf("config: read turn server file: %w", err)
	}
	var all []TurnServer
	if err := json.Unmarshal(b, &all); err != nil {
		obslog.L().Warn().Err(err).Str("path", tw.path).Msg("turn server file: invalid JSON, keeping previous list")
		return nil
	}

	all = withIDs(all)
	dropped := 0
	if len(all) > MaxTurnServers {
		dropped = len(all) - MaxTurnServers
		all = all[:MaxTurnServers]
	}

	tw.mu.Lock()
	tw.servers = all
	tw.mu.Unlock()

	if tw.onChange != nil {
		tw.onChange(all)
	}
	if dropped > 0 && tw.onOverflow != nil {
		tw.onOverflow(dropped)
	}
	return nil
}

func (tw *TurnWatcher) watchLoop() {
	for {
		select {
		case <-tw.closed:
			return
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(tw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := tw.reload(); err != nil {
				obslog.L().Warn().Err(err).Msg("turn server file: reload failed")
			}
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			obslog.L().Warn().Err(err).Msg("turn server watcher error")
		}
	}
}

// Close stops the watcher.
func (tw *TurnWatcher) Close() error {
	select {
	case <-tw.closed:
		return nil
	default:
		close(tw.closed)
	}
	return tw.watcher.Close()
}

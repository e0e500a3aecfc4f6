// Package config holds the signaling core's ambient configuration: per-call
// timer durations, retry caps, and the TURN server list. Shaped after the
// teacher's internal/config/config.go (Default/Load/Save/Ensure), generalized
// from a desktop-peer JSON file to a signaling-core one.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/avscall/callcore/internal/util"
)

// ConvType distinguishes the retry policy and a handful of routing decisions
// (§3 Data Model).
type ConvType string

const (
	ConvOneOnOne    ConvType = "oneonone"
	ConvGroup       ConvType = "group"
	ConvConference  ConvType = "conference"
)

// MaxTurnServers bounds the TURN server list (§3 invariant, §8 S4).
const MaxTurnServers = 8

// Timers collects the per-call timer durations named in §4 and §5.
type Timers struct {
	Setup       time.Duration `json:"setup_timeout"`
	Term        time.Duration `json:"term_timeout"`
	DcClose     time.Duration `json:"dc_close_timeout"`
	MediaStart  time.Duration `json:"media_start_timeout"`
}

// Config is the signaling core's runtime configuration.
type Config struct {
	Timers         Timers              `json:"timers"`
	MaxRetries     map[ConvType]int    `json:"max_retries"`
	TurnServers    []TurnServer        `json:"turn_servers"`
}

// TurnServer is one configured TURN relay (§6 add_turnserver). ID
// distinguishes entries loaded from the same URL with rotated credentials;
// it is assigned on load if the file omits it.
type TurnServer struct {
	ID         string `json:"id,omitempty"`
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// withIDs assigns a fresh ID to every entry missing one.
func withIDs(servers []TurnServer) []TurnServer {
	for i := range servers {
		if servers[i].ID == "" {
			servers[i].ID = uuid.NewString()
		}
	}
	return servers
}

// Default returns the configuration with the spec's stated defaults:
// setup=60s, term=5s, dc-close=10s, media-start=10s, retries 0 for
// one-to-one and 2 for group/conference (§4.2, §4.3).
func Default() Config {
	return Config{
		Timers: Timers{
			Setup:      60 * time.Second,
			Term:       5 * time.Second,
			DcClose:    10 * time.Second,
			MediaStart: 10 * time.Second,
		},
		MaxRetries: map[ConvType]int{
			ConvOneOnOne:   0,
			ConvGroup:      2,
			ConvConference: 2,
		},
		TurnServers: nil,
	}
}

// MaxRetriesFor returns the retry cap for conv, defaulting to 0 (one-to-one
// semantics) for an unrecognized conv type.
func (c Config) MaxRetriesFor(conv ConvType) int {
	if n, ok := c.MaxRetries[conv]; ok {
		return n
	}
	return 0
}

// Validate checks the loaded configuration against the bounds the spec
// requires (§3, §8).
func (c Config) Validate() error {
	if c.Timers.Setup <= 0 {
		return errors.New("timers.setup_timeout must be > 0")
	}
	if c.Timers.Term <= 0 {
		return errors.New("timers.term_timeout must be > 0")
	}
	if c.Timers.DcClose <= 0 {
		return errors.New("timers.dc_close_timeout must be > 0")
	}
	if c.Timers.MediaStart <= 0 {
		return errors.New("timers.media_start_timeout must be > 0")
	}
	if len(c.TurnServers) > MaxTurnServers {
		return fmt.Errorf("turn_servers: %d entries exceeds maximum of %d", len(c.TurnServers), MaxTurnServers)
	}
	return nil
}

// Load reads and validates a Config from a JSON file, starting from Default()
// so fields absent from the file keep their defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.TurnServers = withIDs(cfg.TurnServers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates and writes cfg to path.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config at path if present, otherwise writes and returns
// Default(). Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

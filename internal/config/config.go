package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Channel drive modes.
const (
	ModeOnOff    = "onoff"
	ModePWM      = "pwm"
	ModeExpander = "expander"
)

// Operating modes.
const (
	OpPlaylist      = "playlist"
	OpAudioIn       = "audio-in"
	OpStreaming     = "streaming"
	OpNetworkClient = "network-client"
)

// Channel describes one physical output channel.
type Channel struct {
	Pin       int     `yaml:"pin"` // BCM pin number, or sub-pin on an expander
	Mode      string  `yaml:"mode"`
	ActiveLow bool    `yaml:"active_low"`
	Expander  string  `yaml:"expander"` // name of the expander this channel routes through
	Gain      float64 `yaml:"gain"`     // per-channel gain, 1.0 if omitted
}

// Expander describes an I2C GPIO expander multiplying available channels.
type Expander struct {
	Name    string `yaml:"name"`
	Bus     string `yaml:"bus"`      // e.g. "1" or "/dev/i2c-1"
	Address int    `yaml:"address"`  // I2C device address
	PinBase int    `yaml:"pin_base"` // first flat channel index served by this expander
	Pins    int    `yaml:"pins"`     // number of sub-pins
}

// Hardware groups the output-side settings.
type Hardware struct {
	Channels  []Channel  `yaml:"channels"`
	Expanders []Expander `yaml:"expanders"`
	PWMHz     int        `yaml:"pwm_hz"`
	Simulate  bool       `yaml:"simulate"` // drive simulated pins instead of GPIO
}

// Analysis groups the spectral-analysis settings.
type Analysis struct {
	ChunkSize    int     `yaml:"chunk_size"`
	SampleRate   int     `yaml:"sample_rate"` // capture mode; file mode uses the file's rate
	MinFrequency float64 `yaml:"min_frequency"`
	MaxFrequency float64 `yaml:"max_frequency"`
	BandCount    int     `yaml:"band_count"` // 0 means one band per channel
}

// Mapping groups the intensity-mapper tuning.
type Mapping struct {
	Attack    float64 `yaml:"attack"`     // seconds to rise to a new peak
	Decay     float64 `yaml:"decay"`      // seconds to fall back to zero
	FloorDB   float64 `yaml:"floor_db"`   // band energy at or below maps to 0
	CeilingDB float64 `yaml:"ceiling_db"` // band energy at or above maps to 1
	Exponent  float64 `yaml:"exponent"`   // brightness curve exponent
}

// Playback groups scheduler behavior.
type Playback struct {
	Mode          string `yaml:"mode"`
	PlaylistPath  string `yaml:"playlist_path"`
	CacheDir      string `yaml:"cache_dir"`
	Repeat        bool   `yaml:"repeat"`
	MaxIterations int    `yaml:"max_iterations"` // playlist passes when repeat is on
	AudioOut      bool   `yaml:"audio_out"`      // also play audio through the speaker
	AudioDevice   string `yaml:"audio_device"`   // capture device for audio-in mode
}

// Duration wraps time.Duration so YAML configs can say "10s" or "500ms".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Network groups the sync coordinator settings.
type Network struct {
	ListenAddr    string   `yaml:"listen_addr"` // server bind address
	ServerAddr    string   `yaml:"server_addr"` // client: address of the sync server
	ClientTimeout Duration `yaml:"client_timeout"`
	Heartbeat     Duration `yaml:"heartbeat"`
	ClientGrace   Duration `yaml:"client_grace"`
	HoldLastFrame bool     `yaml:"hold_last_frame"` // freeze instead of zeroing on loss
	QueueDepth    int      `yaml:"queue_depth"`     // client jitter buffer depth
}

// Config is one immutable configuration snapshot. A reload produces a new
// snapshot and therefore a new AnalysisHash; snapshots are never mutated.
type Config struct {
	Hardware Hardware `yaml:"hardware"`
	Analysis Analysis `yaml:"analysis"`
	Mapping  Mapping  `yaml:"mapping"`
	Playback Playback `yaml:"playback"`
	Network  Network  `yaml:"network"`
}

// Defaults returns a snapshot with every tunable at its default value.
func Defaults() Config {
	return Config{
		Hardware: Hardware{
			PWMHz: 100,
		},
		Analysis: Analysis{
			ChunkSize:    2048,
			SampleRate:   44100,
			MinFrequency: 20,
			MaxFrequency: 15000,
		},
		Mapping: Mapping{
			Attack:    0.04,
			Decay:     0.25,
			FloorDB:   -60,
			CeilingDB: -15,
			Exponent:  1.0,
		},
		Playback: Playback{
			Mode:          OpPlaylist,
			CacheDir:      ".lumasync-cache",
			MaxIterations: 1,
			AudioOut:      true,
		},
		Network: Network{
			ListenAddr:    ":5568",
			ClientTimeout: Duration(10 * time.Second),
			Heartbeat:     Duration(2 * time.Second),
			ClientGrace:   Duration(3 * time.Second),
			QueueDepth:    8,
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyImplicit()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Path returns the config file path: $LUMASYNC_CONFIG or the given fallback.
func Path(fallback string) string {
	if v := os.Getenv("LUMASYNC_CONFIG"); v != "" {
		return v
	}
	return fallback
}

func (c *Config) applyImplicit() {
	for i := range c.Hardware.Channels {
		if c.Hardware.Channels[i].Gain == 0 {
			c.Hardware.Channels[i].Gain = 1.0
		}
		if c.Hardware.Channels[i].Mode == "" {
			c.Hardware.Channels[i].Mode = ModeOnOff
		}
	}
	if c.Analysis.BandCount == 0 {
		c.Analysis.BandCount = len(c.Hardware.Channels)
	}
}

// Validate rejects snapshots the engine cannot run with.
func (c Config) Validate() error {
	if len(c.Hardware.Channels) == 0 {
		return fmt.Errorf("no hardware channels configured")
	}
	if c.Analysis.ChunkSize <= 0 || c.Analysis.ChunkSize&(c.Analysis.ChunkSize-1) != 0 {
		return fmt.Errorf("chunk_size must be a positive power of two, got %d", c.Analysis.ChunkSize)
	}
	if c.Analysis.MinFrequency <= 0 || c.Analysis.MaxFrequency <= c.Analysis.MinFrequency {
		return fmt.Errorf("frequency range [%g, %g) is invalid", c.Analysis.MinFrequency, c.Analysis.MaxFrequency)
	}
	if c.Analysis.BandCount < len(c.Hardware.Channels) {
		return fmt.Errorf("band_count %d is less than channel count %d", c.Analysis.BandCount, len(c.Hardware.Channels))
	}
	if c.Mapping.CeilingDB <= c.Mapping.FloorDB {
		return fmt.Errorf("ceiling_db %g must be above floor_db %g", c.Mapping.CeilingDB, c.Mapping.FloorDB)
	}
	switch c.Playback.Mode {
	case OpPlaylist, OpAudioIn, OpStreaming, OpNetworkClient:
	default:
		return fmt.Errorf("unknown mode %q", c.Playback.Mode)
	}
	for i, ch := range c.Hardware.Channels {
		switch ch.Mode {
		case ModeOnOff, ModePWM:
		case ModeExpander:
			if c.expander(ch.Expander) == nil {
				return fmt.Errorf("channel %d references unknown expander %q", i, ch.Expander)
			}
		default:
			return fmt.Errorf("channel %d has unknown mode %q", i, ch.Mode)
		}
	}
	return nil
}

func (c Config) expander(name string) *Expander {
	for i := range c.Hardware.Expanders {
		if c.Hardware.Expanders[i].Name == name {
			return &c.Hardware.Expanders[i]
		}
	}
	return nil
}

// ChannelCount returns the number of configured output channels.
func (c Config) ChannelCount() int {
	return len(c.Hardware.Channels)
}

// ChunkDuration returns the real-time duration of one analysis chunk.
func (c Config) ChunkDuration() time.Duration {
	return time.Duration(float64(c.Analysis.ChunkSize) / float64(c.Analysis.SampleRate) * float64(time.Second))
}

// AnalysisHash digests exactly the fields that affect analyzer and mapper
// output. Unrelated settings (network, pin routing, playlist) are excluded so
// changing them does not invalidate cached analyses.
func (c Config) AnalysisHash() string {
	var b strings.Builder
	fmt.Fprintf(&b, "chunk=%d;rate=%d;", c.Analysis.ChunkSize, c.Analysis.SampleRate)
	fmt.Fprintf(&b, "freq=%g-%g;bands=%d;channels=%d;",
		c.Analysis.MinFrequency, c.Analysis.MaxFrequency, c.Analysis.BandCount, len(c.Hardware.Channels))
	fmt.Fprintf(&b, "attack=%g;decay=%g;floor=%g;ceiling=%g;exp=%g;",
		c.Mapping.Attack, c.Mapping.Decay, c.Mapping.FloorDB, c.Mapping.CeilingDB, c.Mapping.Exponent)
	for _, ch := range c.Hardware.Channels {
		fmt.Fprintf(&b, "gain=%g;", ch.Gain)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360/bufferlink/sending"
)

// Storage mode constants
const (
	StorageModeMemory      = "memory"      // Lost when the process exits
	StorageModeFile        = "file"        // Badger database under Storage.Path
	StorageModeObjectStore = "objectstore" // NATS JetStream object store
)

// MaxWindowSize is the largest window_size accepted.
const MaxWindowSize = sending.MaxCapacity

// Config is the daemon configuration.
type Config struct {
	Version     string            `json:"version,omitempty"`
	Listener    ListenerConfig    `json:"listener"`
	Transceiver TransceiverConfig `json:"transceiver"`
	Storage     StorageConfig     `json:"storage"`
	NATS        NATSConfig        `json:"nats"`
	Buffering   BufferingConfig   `json:"buffering"`
	Metrics     MetricsConfig     `json:"metrics"`
	Cores       []CoreConfig      `json:"cores"`
}

// ListenerConfig describes where buffer traffic from the board arrives.
type ListenerConfig struct {
	Host string `json:"host"`
	// Port 0 binds an ephemeral port and tells the board about it.
	Port         int    `json:"port"`
	Tag          uint8  `json:"tag"`
	BoardAddress string `json:"board_address,omitempty"` // Defaults to the transceiver host
}

// TransceiverConfig describes the direct path to the board.
type TransceiverConfig struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	SendRate      float64       `json:"send_rate,omitempty"` // Datagrams per second, 0 = unpaced
	Burst         int           `json:"burst,omitempty"`
}

// StorageConfig selects where recovered data is kept.
type StorageConfig struct {
	Mode       string `json:"mode"`
	Path       string `json:"path,omitempty"`
	SyncWrites bool   `json:"sync_writes,omitempty"`
	Bucket     string `json:"bucket,omitempty"`
}

// NATSConfig defines NATS connection settings for the object store.
type NATSConfig struct {
	URL           string        `json:"url,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// BufferingConfig tunes the buffer manager.
type BufferingConfig struct {
	WindowSize     int  `json:"window_size"`
	DrainQueueSize int  `json:"drain_queue_size"`
	ExtractorCores bool `json:"extractor_cores,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// CoreConfig places one vertex on a core.
type CoreConfig struct {
	Label string `json:"label,omitempty"`
	X     uint8  `json:"x"`
	Y     uint8  `json:"y"`
	P     uint8  `json:"p"`

	// Regions holds the base address of each region used on the core.
	Regions []RegionAddress `json:"regions,omitempty"`
	Sends   []SendConfig    `json:"sends,omitempty"`

	Recorded      []int  `json:"recorded,omitempty"`
	RecordingBase uint32 `json:"recording_base,omitempty"`
}

// RegionAddress is the base address of one region.
type RegionAddress struct {
	Region  int    `json:"region"`
	Address uint32 `json:"address"`
}

// SendConfig is one region the host streams events into.
type SendConfig struct {
	Region int `json:"region"`
	Size   int `json:"size"`
	// Schedule names a JSON event file, relative to the config file.
	Schedule string `json:"schedule,omitempty"`
	// Events inlines the schedule as timestamp -> keys.
	Events map[string][]uint32 `json:"events,omitempty"`
}

// Default returns the configuration every file is merged over.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{
			Host: "0.0.0.0",
			Tag:  1,
		},
		Transceiver: TransceiverConfig{
			Port:          17893,
			Timeout:       time.Second,
			RetryAttempts: 5,
			Burst:         1,
		},
		Storage: StorageConfig{
			Mode:   StorageModeMemory,
			Bucket: "BUFFERLINK",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Buffering: BufferingConfig{
			WindowSize:     64,
			DrainQueueSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Transceiver.Host == "" {
		return errors.New("transceiver.host is required")
	}
	if err := validPort("transceiver.port", c.Transceiver.Port, false); err != nil {
		return err
	}
	if c.Transceiver.Timeout <= 0 {
		return errors.New("transceiver.timeout must be positive")
	}
	if c.Transceiver.SendRate < 0 {
		return errors.New("transceiver.send_rate must not be negative")
	}
	if err := validPort("listener.port", c.Listener.Port, true); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}

	if c.Buffering.WindowSize < 1 || c.Buffering.WindowSize > MaxWindowSize {
		return fmt.Errorf("buffering.window_size %d outside 1..%d", c.Buffering.WindowSize, MaxWindowSize)
	}
	if c.Buffering.DrainQueueSize < 1 {
		return errors.New("buffering.drain_queue_size must be positive")
	}

	if c.Metrics.Enabled {
		if err := validPort("metrics.port", c.Metrics.Port, false); err != nil {
			return err
		}
	}

	seen := make(map[[3]uint8]bool, len(c.Cores))
	for i, core := range c.Cores {
		id := [3]uint8{core.X, core.Y, core.P}
		if seen[id] {
			return fmt.Errorf("cores[%d]: core %d,%d,%d listed twice", i, core.X, core.Y, core.P)
		}
		seen[id] = true
		if err := core.validate(); err != nil {
			return fmt.Errorf("cores[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Mode {
	case StorageModeMemory:
	case StorageModeFile:
		if c.Storage.Path == "" {
			return errors.New("path is required in file mode")
		}
	case StorageModeObjectStore:
		if c.NATS.URL == "" {
			return errors.New("nats.url is required in objectstore mode")
		}
		if c.Storage.Bucket == "" {
			return errors.New("bucket is required in objectstore mode")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Storage.Mode)
	}
	return nil
}

func (c CoreConfig) validate() error {
	addrs := make(map[int]bool, len(c.Regions))
	for _, r := range c.Regions {
		addrs[r.Region] = true
	}
	for _, s := range c.Sends {
		if s.Size <= 0 {
			return fmt.Errorf("send region %d: size must be positive", s.Region)
		}
		if !addrs[s.Region] {
			return fmt.Errorf("send region %d: no base address in regions", s.Region)
		}
		if s.Schedule != "" && len(s.Events) > 0 {
			return fmt.Errorf("send region %d: give schedule or events, not both", s.Region)
		}
	}
	if len(c.Recorded) > 0 && c.RecordingBase == 0 {
		return errors.New("recording_base is required with recorded regions")
	}
	return nil
}

func validPort(name string, port int, zeroOK bool) error {
	if port == 0 && zeroOK {
		return nil
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}

// BoardAddress returns where port-trigger messages go.
func (c *Config) BoardAddress() string {
	if c.Listener.BoardAddress != "" {
		return c.Listener.BoardAddress
	}
	return c.Transceiver.Host
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

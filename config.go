package centralmutex

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"time"
)

const (
	DefaultClusterID    = "centralmutex"
	DefaultAddress      = "127.0.0.1:8000"
	DefaultUsageMin     = 10 * time.Second
	DefaultUsageMax     = 15 * time.Second
	DefaultReadTimeout  = time.Second
	DefaultPollInterval = 10 * time.Millisecond
	DefaultRetryBackoff = 50 * time.Millisecond
	DefaultMaxProcessID = 1000

	DefaultSpawnInterval            = 4500 * time.Millisecond
	DefaultCoordinatorCrashInterval = 9 * time.Second
	DefaultRemoveInterval           = 8 * time.Second
	DefaultAccessIntervalMin        = 1500 * time.Millisecond
	DefaultAccessIntervalMax        = 4500 * time.Millisecond
	DefaultStatusInterval           = time.Second
)

var clusterIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config configures the coordination core and the simulation driver.
type Config struct {
	ClusterID string
	NodeID    string

	// Address is the well-known coordinator endpoint (host:port).
	Address string

	// Resource usage window, sampled uniformly per acquisition.
	UsageMin time.Duration
	UsageMax time.Duration

	// ReadTimeout bounds the wait for the coordinator's first response.
	// It also bounds dials and single writes.
	ReadTimeout  time.Duration
	PollInterval time.Duration
	RetryBackoff time.Duration

	// Simulation driver timing. Zero values take the defaults; negative
	// intervals disable the matching loop.
	SpawnInterval            time.Duration
	CoordinatorCrashInterval time.Duration
	RemoveInterval           time.Duration
	AccessIntervalMin        time.Duration
	AccessIntervalMax        time.Duration
	StatusInterval           time.Duration
	MaxProcessID             int

	// Optional outer surfaces. Empty values disable them.
	NATSURL         string
	NATSCredentials string
	MetricsAddr     string
	HealthAddr      string

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.ClusterID != "" && !clusterIDPattern.MatchString(c.ClusterID) {
		return fmt.Errorf("ClusterID must match %s", clusterIDPattern)
	}
	if c.Address != "" {
		if _, _, err := net.SplitHostPort(c.Address); err != nil {
			return fmt.Errorf("Address is invalid: %w", err)
		}
	}
	if c.UsageMin < 0 || c.UsageMax < 0 {
		return fmt.Errorf("usage times must not be negative")
	}
	if c.UsageMax != 0 && c.UsageMin > c.UsageMax {
		return fmt.Errorf("UsageMin must not exceed UsageMax")
	}
	if c.AccessIntervalMax > 0 && c.AccessIntervalMin > c.AccessIntervalMax {
		return fmt.Errorf("AccessIntervalMin must not exceed AccessIntervalMax")
	}
	if c.ReadTimeout < 0 || c.PollInterval < 0 || c.RetryBackoff < 0 {
		return fmt.Errorf("timeouts and intervals must not be negative")
	}
	if c.MaxProcessID < 0 {
		return fmt.Errorf("MaxProcessID must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ClusterID == "" {
		c.ClusterID = DefaultClusterID
	}
	if c.NodeID == "" {
		c.NodeID, _ = os.Hostname()
		if c.NodeID == "" {
			c.NodeID = "local"
		}
	}
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.UsageMin == 0 && c.UsageMax == 0 {
		c.UsageMin = DefaultUsageMin
		c.UsageMax = DefaultUsageMax
	}
	if c.UsageMax < c.UsageMin {
		c.UsageMax = c.UsageMin
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.SpawnInterval == 0 {
		c.SpawnInterval = DefaultSpawnInterval
	}
	if c.CoordinatorCrashInterval == 0 {
		c.CoordinatorCrashInterval = DefaultCoordinatorCrashInterval
	}
	if c.RemoveInterval == 0 {
		c.RemoveInterval = DefaultRemoveInterval
	}
	if c.AccessIntervalMin == 0 && c.AccessIntervalMax == 0 {
		c.AccessIntervalMin = DefaultAccessIntervalMin
		c.AccessIntervalMax = DefaultAccessIntervalMax
	}
	if c.AccessIntervalMax < c.AccessIntervalMin {
		c.AccessIntervalMax = c.AccessIntervalMin
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.MaxProcessID == 0 {
		c.MaxProcessID = DefaultMaxProcessID
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// WithDefaults returns a copy of the config with defaults applied.
func (c Config) WithDefaults() Config {
	c.applyDefaults()
	return c
}

// AuditSubject returns the NATS subject prefix for audit entries.
func (c *Config) AuditSubject() string {
	return fmt.Sprintf("centralmutex.%s.audit", c.ClusterID)
}

// AuditStreamName returns the JetStream stream holding audit entries.
func (c *Config) AuditStreamName() string {
	return fmt.Sprintf("%s_audit", c.ClusterID)
}

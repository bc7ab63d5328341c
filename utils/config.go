package utils

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/alpacahq/replica/utils/log"
)

const (
	defaultMasterPort        = 5996
	defaultBufferSize        = 8 << 20
	defaultMaxEntrySize      = 4 << 20
	defaultSegmentSize       = 64 << 20
	defaultControlInterval   = 100 * time.Millisecond
	defaultFsyncInterval     = 100 * time.Millisecond
	defaultRetryInterval     = 10 * time.Second
	defaultRetryBackoffCoeff = 2
)

type ReplicationSetting struct {
	Identity          string
	MasterHost        string
	MasterPort        int
	BufferSize        int
	MaxEntrySize      int
	SegmentSize       int64
	AckMode           string
	ControlInterval   time.Duration
	Fsync             string
	FsyncInterval     time.Duration
	RetryInterval     time.Duration
	RetryBackoffCoeff int
	TLSEnabled        bool
	CertFile          string
}

type ReplicaConfig struct {
	RootDirectory    string
	LogLevel         log.Level
	MetricsListenURL string
	Replication      ReplicationSetting
}

// ParseConfig reads the YAML config file contents.
func ParseConfig(data []byte) (*ReplicaConfig, error) {
	c := &ReplicaConfig{}
	if err := c.Parse(data); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ReplicaConfig) Parse(data []byte) error {
	var aux struct {
		RootDirectory    string `yaml:"root_directory"`
		LogLevel         string `yaml:"log_level"`
		MetricsListenURL string `yaml:"metrics_listen_url"`
		Replication      struct {
			Identity          string `yaml:"identity"`
			MasterHost        string `yaml:"master_host"`
			MasterPort        int    `yaml:"master_port"`
			BufferSize        string `yaml:"buffer_size"`
			MaxEntrySize      string `yaml:"max_entry_size"`
			SegmentSize       string `yaml:"segment_size"`
			AckMode           string `yaml:"ack_mode"`
			ControlInterval   string `yaml:"control_interval"`
			Fsync             string `yaml:"fsync"`
			FsyncInterval     string `yaml:"fsync_interval"`
			RetryInterval     string `yaml:"retry_interval"`
			RetryBackoffCoeff int    `yaml:"retry_backoff_coeff"`
			TLSEnabled        string `yaml:"tls_enabled"`
			CertFile          string `yaml:"cert_file"`
		} `yaml:"replication"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "parse config")
	}

	if aux.RootDirectory == "" {
		return errors.New("invalid root directory")
	}
	c.RootDirectory = aux.RootDirectory
	c.LogLevel = log.ParseLevel(aux.LogLevel)
	c.MetricsListenURL = aux.MetricsListenURL

	r := aux.Replication
	if r.MasterHost == "" {
		return errors.New("replication.master_host is required")
	}
	c.Replication.MasterHost = r.MasterHost
	c.Replication.Identity = r.Identity
	if c.Replication.Identity == "" {
		c.Replication.Identity = defaultIdentity()
	}

	c.Replication.MasterPort = r.MasterPort
	if r.MasterPort == 0 {
		c.Replication.MasterPort = defaultMasterPort
	}
	if c.Replication.MasterPort < 0 || c.Replication.MasterPort > 65535 {
		return errors.Errorf("invalid replication.master_port: %d", r.MasterPort)
	}

	bufferSize, err := parseSize("buffer_size", r.BufferSize, defaultBufferSize)
	if err != nil {
		return err
	}
	maxEntrySize, err := parseSize("max_entry_size", r.MaxEntrySize, defaultMaxEntrySize)
	if err != nil {
		return err
	}
	segmentSize, err := parseSize("segment_size", r.SegmentSize, defaultSegmentSize)
	if err != nil {
		return err
	}
	if maxEntrySize > bufferSize {
		if r.MaxEntrySize != "" {
			return errors.Errorf("replication.max_entry_size %s exceeds buffer_size %s",
				bytefmt.ByteSize(maxEntrySize), bytefmt.ByteSize(bufferSize))
		}
		maxEntrySize = bufferSize
	}
	c.Replication.BufferSize = int(bufferSize)
	c.Replication.MaxEntrySize = int(maxEntrySize)
	c.Replication.SegmentSize = int64(segmentSize)

	switch strings.ToLower(r.AckMode) {
	case "", "apply", "ack-on-apply":
		c.Replication.AckMode = "apply"
	case "flush", "ack-on-flush":
		c.Replication.AckMode = "flush"
	default:
		return errors.Errorf("invalid replication.ack_mode: %q", r.AckMode)
	}
	switch strings.ToLower(r.Fsync) {
	case "", "always":
		c.Replication.Fsync = "always"
	case "interval":
		c.Replication.Fsync = "interval"
	default:
		return errors.Errorf("invalid replication.fsync: %q", r.Fsync)
	}

	if c.Replication.ControlInterval, err = parseDuration("control_interval", r.ControlInterval, defaultControlInterval); err != nil {
		return err
	}
	if c.Replication.FsyncInterval, err = parseDuration("fsync_interval", r.FsyncInterval, defaultFsyncInterval); err != nil {
		return err
	}
	if c.Replication.RetryInterval, err = parseDuration("retry_interval", r.RetryInterval, defaultRetryInterval); err != nil {
		return err
	}
	c.Replication.RetryBackoffCoeff = orDefault(r.RetryBackoffCoeff, defaultRetryBackoffCoeff)

	if r.TLSEnabled != "" {
		tlsEnabled, err := strconv.ParseBool(r.TLSEnabled)
		if err != nil {
			log.Error("Invalid value: %v for tls_enabled. Disabling TLS...", r.TLSEnabled)
		} else {
			c.Replication.TLSEnabled = tlsEnabled
		}
	}
	c.Replication.CertFile = r.CertFile
	if c.Replication.TLSEnabled && c.Replication.CertFile == "" {
		return errors.New("replication.cert_file is required when tls_enabled")
	}
	return nil
}

// MasterAddress is host:port of the master.
func (s ReplicationSetting) MasterAddress() string {
	return fmt.Sprintf("%s:%d", s.MasterHost, s.MasterPort)
}

// defaultIdentity names the replica after its host.
func defaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "replica"
	}
	return host
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// parseSize accepts byte counts ("1048576") and sizes with a unit ("64MB").
func parseSize(key, s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		n, err = bytefmt.ToBytes(s)
	}
	if err != nil || n == 0 || n > math.MaxInt32 {
		return 0, errors.Errorf("invalid replication.%s: %q", key, s)
	}
	return n, nil
}

// parseDuration accepts Go durations ("250ms") and bare integers as milliseconds.
func parseDuration(key, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(s); err == nil {
		if ms <= 0 {
			return 0, errors.Errorf("invalid replication.%s: %q", key, s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.Errorf("invalid replication.%s: %q", key, s)
	}
	return d, nil
}

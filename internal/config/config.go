package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/spf13/viper"

	"github.com/Norgate-AV/buildaccel/internal/compiler"
	"github.com/Norgate-AV/buildaccel/internal/existence"
	"github.com/Norgate-AV/buildaccel/internal/utils"
)

// Remote channel choices
const (
	RemoteNone     = "none"
	RemoteLoopback = "loopback"
)

// Default configuration values
const (
	DefaultCacheBackend  = existence.BackendMemory
	DefaultRemoteChannel = RemoteNone
	DefaultVerbose       = false
)

// Holds the configuration options for buildaccel
type Config struct {
	// Root of the persistent existence store
	CacheDir string

	// memory or persistent
	CacheBackend string

	// How long to wait for a persistent store held by another process
	CacheReserveTimeout time.Duration

	// Fold path case in cache keys
	CaseInsensitive bool

	// Number of tasks allowed to execute at once
	VirtualCores int

	// Directory whose absolute path is embedded in PCHs
	BuildLayoutPath string

	// Also write <pch>.locations next to portable PCHs
	PchSidecar bool

	// Enables the rotated log file when set
	LogDir string

	Verbose bool

	// Prometheus textfile written at exit when set
	MetricsFile string

	// Compiler identity used for predefined macros
	MscVer     int
	TargetArch string

	// none or loopback
	RemoteChannel string
}

func Load() (*Config, error) {
	cfg := &Config{
		CacheDir:            viper.GetString("cache_dir"),
		CacheBackend:        viper.GetString("cache_backend"),
		CacheReserveTimeout: viper.GetDuration("cache_reserve_timeout"),
		CaseInsensitive:     viper.GetBool("case_insensitive"),
		VirtualCores:        viper.GetInt("virtual_cores"),
		BuildLayoutPath:     viper.GetString("build_layout_path"),
		PchSidecar:          viper.GetBool("pch_sidecar"),
		LogDir:              viper.GetString("log_dir"),
		Verbose:             viper.GetBool("verbose"),
		MetricsFile:         viper.GetString("metrics_file"),
		MscVer:              viper.GetInt("msc_ver"),
		TargetArch:          viper.GetString("target_arch"),
		RemoteChannel:       viper.GetString("remote_channel"),
	}

	// Apply defaults if not set
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir()
	}

	if cfg.CacheBackend == "" {
		cfg.CacheBackend = DefaultCacheBackend
	}

	if cfg.VirtualCores == 0 {
		cfg.VirtualCores = DefaultVirtualCores()
	}

	if cfg.MscVer == 0 {
		cfg.MscVer = compiler.DefaultMscVer
	}

	if cfg.TargetArch == "" {
		cfg.TargetArch = compiler.DefaultTargetArch
	}

	if cfg.RemoteChannel == "" {
		cfg.RemoteChannel = DefaultRemoteChannel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.CacheBackend {
	case existence.BackendMemory, existence.BackendPersistent:
	default:
		return fmt.Errorf("invalid cache backend: %s", c.CacheBackend)
	}

	switch c.RemoteChannel {
	case RemoteNone, RemoteLoopback:
	default:
		return fmt.Errorf("invalid remote channel: %s", c.RemoteChannel)
	}

	if c.CacheReserveTimeout < 0 {
		return fmt.Errorf("invalid cache reserve timeout: %s", c.CacheReserveTimeout)
	}

	if c.VirtualCores < 1 {
		return fmt.Errorf("invalid virtual core count: %d", c.VirtualCores)
	}

	if c.MscVer < 0 {
		return fmt.Errorf("invalid msc_ver: %d", c.MscVer)
	}

	// BuildLayoutPath is compared byte for byte against PCH contents and may
	// name another machine's path, so it is used as given
	for _, p := range []*string{&c.CacheDir, &c.LogDir, &c.MetricsFile} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("invalid path %s: %v", *p, err)
		}

		*p = abs
	}

	return nil
}

// DefaultCacheDir returns the per-user cache location
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "buildaccel")
	}

	return filepath.Join(os.TempDir(), "buildaccel")
}

// DefaultVirtualCores returns the logical CPU count
func DefaultVirtualCores() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}

	return runtime.NumCPU()
}

// DefaultCaseInsensitive reports the host's usual filesystem case behaviour
func DefaultCaseInsensitive() bool {
	return utils.DefaultCaseInsensitive()
}

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/buildaccel/internal/compiler"
	"github.com/Norgate-AV/buildaccel/internal/existence"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setupViper  func()
		check       func(t *testing.T, cfg *Config)
		wantErr     bool
		errContains string
	}{
		{
			name: "load with all defaults",
			setupViper: func() {
				viper.Reset()
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultCacheDir(), cfg.CacheDir)
				assert.Equal(t, existence.BackendMemory, cfg.CacheBackend)
				assert.Zero(t, cfg.CacheReserveTimeout)
				assert.Equal(t, DefaultVirtualCores(), cfg.VirtualCores)
				assert.Equal(t, compiler.DefaultMscVer, cfg.MscVer)
				assert.Equal(t, compiler.DefaultTargetArch, cfg.TargetArch)
				assert.Equal(t, RemoteNone, cfg.RemoteChannel)
				assert.Empty(t, cfg.BuildLayoutPath)
				assert.Empty(t, cfg.LogDir)
				assert.False(t, cfg.Verbose)
			},
		},
		{
			name: "load with custom values",
			setupViper: func() {
				viper.Reset()
				viper.Set("cache_dir", "cache")
				viper.Set("cache_backend", "persistent")
				viper.Set("cache_reserve_timeout", "250ms")
				viper.Set("case_insensitive", true)
				viper.Set("virtual_cores", 6)
				viper.Set("build_layout_path", "layout")
				viper.Set("pch_sidecar", true)
				viper.Set("log_dir", "logs")
				viper.Set("verbose", true)
				viper.Set("metrics_file", "metrics.prom")
				viper.Set("msc_ver", 1929)
				viper.Set("target_arch", "arm64")
				viper.Set("remote_channel", "loopback")
			},
			check: func(t *testing.T, cfg *Config) {
				abs := func(p string) string {
					a, _ := filepath.Abs(p)
					return a
				}

				assert.Equal(t, &Config{
					CacheDir:            abs("cache"),
					CacheBackend:        existence.BackendPersistent,
					CacheReserveTimeout: 250 * time.Millisecond,
					CaseInsensitive:     true,
					VirtualCores:        6,
					BuildLayoutPath:     "layout",
					PchSidecar:          true,
					LogDir:              abs("logs"),
					Verbose:             true,
					MetricsFile:         abs("metrics.prom"),
					MscVer:              1929,
					TargetArch:          "arm64",
					RemoteChannel:       RemoteLoopback,
				}, cfg)
			},
		},
		{
			name: "invalid backend",
			setupViper: func() {
				viper.Reset()
				viper.Set("cache_backend", "redis")
			},
			wantErr:     true,
			errContains: "invalid cache backend",
		},
		{
			name: "invalid remote channel",
			setupViper: func() {
				viper.Reset()
				viper.Set("remote_channel", "carrier-pigeon")
			},
			wantErr:     true,
			errContains: "invalid remote channel",
		},
		{
			name: "negative reserve timeout",
			setupViper: func() {
				viper.Reset()
				viper.Set("cache_reserve_timeout", "-1s")
			},
			wantErr:     true,
			errContains: "invalid cache reserve timeout",
		},
		{
			name: "negative core count",
			setupViper: func() {
				viper.Reset()
				viper.Set("virtual_cores", -2)
			},
			wantErr:     true,
			errContains: "invalid virtual core count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupViper()
			defer viper.Reset()

			cfg, err := Load()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}

			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{
		CacheBackend:  existence.BackendMemory,
		RemoteChannel: RemoteNone,
		VirtualCores:  1,
		CacheDir:      "relative/cache",
	}

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.CacheDir))
	assert.Empty(t, cfg.LogDir, "unset paths stay unset")

	cfg.VirtualCores = 0
	assert.Error(t, cfg.Validate())
}

func TestDefaultVirtualCores(t *testing.T) {
	assert.Positive(t, DefaultVirtualCores())
}

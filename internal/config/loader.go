package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. BUILDACCEL_CACHE_BACKEND
const EnvPrefix = "BUILDACCEL"

// Loader handles configuration loading from various sources
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadForCommand layers defaults, the global config, the nearest local config
// above dir, environment variables and cmd's flags, in increasing precedence
func (l *Loader) LoadForCommand(cmd *cobra.Command, dir string) (*Config, error) {
	l.setupViperDefaults()
	l.loadGlobalConfig()
	l.loadLocalConfig(dir)
	l.bindEnv()
	l.bindCommandFlags(cmd)

	return Load()
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	viper.SetDefault("cache_dir", DefaultCacheDir())
	viper.SetDefault("cache_backend", DefaultCacheBackend)
	viper.SetDefault("case_insensitive", DefaultCaseInsensitive())
	viper.SetDefault("virtual_cores", DefaultVirtualCores())
	viper.SetDefault("verbose", DefaultVerbose)
	viper.SetDefault("remote_channel", DefaultRemoteChannel)
}

// loadGlobalConfig loads the per-user configuration file
func (l *Loader) loadGlobalConfig() {
	if path := FindGlobalConfig(); path != "" {
		viper.SetConfigFile(path)
		_ = viper.ReadInConfig()
	}
}

// loadLocalConfig merges the nearest .buildaccel.* over the global config
func (l *Loader) loadLocalConfig(dir string) {
	if dir == "" {
		return
	}

	if path := FindLocalConfig(dir); path != "" {
		viper.SetConfigFile(path)
		_ = viper.MergeInConfig()
	}
}

func (l *Loader) bindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindCommandFlags binds every flag whose name is a config key
func (l *Loader) bindCommandFlags(cmd *cobra.Command) {
	if cmd == nil {
		return
	}

	bind := func(f *pflag.Flag) {
		_ = viper.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	}

	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
}

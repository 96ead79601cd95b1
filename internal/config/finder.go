package config

import (
	"os"
	"path/filepath"
)

// configExts are tried in order when looking for a config file
var configExts = []string{"yml", "yaml", "json", "toml"}

// FindLocalConfig finds local config file by walking up directories
func FindLocalConfig(dir string) string {
	for {
		for _, ext := range configExts {
			path := filepath.Join(dir, ".buildaccel."+ext)

			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}

// FindGlobalConfig returns the first config.<ext> in the global config directory
func FindGlobalConfig() string {
	dir := GlobalConfigDir()
	if dir == "" {
		return ""
	}

	for _, ext := range configExts {
		path := filepath.Join(dir, "config."+ext)

		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// GlobalConfigDir is APPDATA/buildaccel on Windows and XDG_CONFIG_HOME/buildaccel elsewhere
func GlobalConfigDir() string {
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		return filepath.Join(appdata, "buildaccel")
	}

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "buildaccel")
	}

	return ""
}

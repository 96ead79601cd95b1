package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/buildaccel/internal/existence"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader()
	assert.NotNil(t, loader)
}

func TestLoader_SetupViperDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	loader := NewLoader()
	loader.setupViperDefaults()

	assert.Equal(t, DefaultCacheDir(), viper.GetString("cache_dir"))
	assert.Equal(t, "memory", viper.GetString("cache_backend"))
	assert.Equal(t, DefaultCaseInsensitive(), viper.GetBool("case_insensitive"))
	assert.Equal(t, DefaultVirtualCores(), viper.GetInt("virtual_cores"))
	assert.Equal(t, false, viper.GetBool("verbose"))
	assert.Equal(t, "none", viper.GetString("remote_channel"))
}

// withGlobalConfig points APPDATA at a temp dir holding config.<ext>
func withGlobalConfig(t *testing.T, ext, content string) {
	t.Helper()

	appdata := t.TempDir()
	dir := filepath.Join(appdata, "buildaccel")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config."+ext), []byte(content), 0o644))
	t.Setenv("APPDATA", appdata)
}

func TestLoader_LoadGlobalConfig(t *testing.T) {
	t.Run("loads yaml config", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		withGlobalConfig(t, "yml", "cache_backend: memory\nvirtual_cores: 3\nverbose: true")

		NewLoader().loadGlobalConfig()

		assert.Equal(t, "memory", viper.GetString("cache_backend"))
		assert.Equal(t, 3, viper.GetInt("virtual_cores"))
		assert.Equal(t, true, viper.GetBool("verbose"))
	})

	t.Run("loads json config", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		withGlobalConfig(t, "json", `{"msc_ver": 1929, "target_arch": "x86"}`)

		NewLoader().loadGlobalConfig()

		assert.Equal(t, 1929, viper.GetInt("msc_ver"))
		assert.Equal(t, "x86", viper.GetString("target_arch"))
	})

	t.Run("handles missing config gracefully", func(t *testing.T) {
		viper.Reset()
		defer viper.Reset()

		t.Setenv("APPDATA", t.TempDir())

		assert.NotPanics(t, func() {
			NewLoader().loadGlobalConfig()
		})
		assert.Empty(t, viper.GetString("cache_backend"))
	})
}

func TestLoader_LocalConfigOverridesGlobal(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	withGlobalConfig(t, "yml", "cache_backend: persistent\nvirtual_cores: 3")

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, ".buildaccel.yml"), []byte("virtual_cores: 9\nbuild_layout_path: /layout"), 0o644))
	nested := filepath.Join(project, "src", "module")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cfg, err := NewLoader().LoadForCommand(nil, nested)
	require.NoError(t, err)

	assert.Equal(t, existence.BackendPersistent, cfg.CacheBackend, "global value survives the merge")
	assert.Equal(t, 9, cfg.VirtualCores)
	assert.Equal(t, "/layout", cfg.BuildLayoutPath)
}

func TestLoader_FlagsAndEnvironment(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	t.Setenv("APPDATA", t.TempDir())
	t.Setenv("BUILDACCEL_MSC_VER", "1920")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().Int("virtual-cores", 0, "")
	cmd.Flags().String("cache-backend", "", "")
	require.NoError(t, cmd.Flags().Set("virtual-cores", "5"))

	cfg, err := NewLoader().LoadForCommand(cmd, "")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.VirtualCores, "changed flag wins")
	assert.Equal(t, existence.BackendMemory, cfg.CacheBackend, "unchanged empty flag leaves the default")
	assert.Equal(t, 1920, cfg.MscVer)
}

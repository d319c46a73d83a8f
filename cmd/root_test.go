package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/cemal-efe-g/Dozer/dozer"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetEnv clears the process environment and the global viper state,
// restoring both when the test finishes.
func resetEnv(t *testing.T) {
	t.Helper()
	environ := os.Environ()
	viper.Reset()
	os.Clearenv()
	t.Cleanup(
		func() {
			viper.Reset()
			os.Clearenv()
			for _, kv := range environ {
				key, value, _ := strings.Cut(kv, "=")
				_ = os.Setenv(key, value)
			}
		},
	)
}

func unmarshalConfig(t *testing.T) *dozer.Config {
	t.Helper()
	config := dozer.DefaultConfig()
	require.NoError(
		t, viper.Unmarshal(
			config,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		),
	)
	return config
}

func TestLoadConfigDefaults(t *testing.T) {
	resetEnv(t)

	initConfig()
	config := unmarshalConfig(t)

	assert.Equal(t, dozer.DefaultDatabase, config.Database)
	assert.Equal(t, dozer.DefaultCommandPrefix, config.Discord.Prefix)
	assert.Equal(t, dozer.DefaultShutdownTimeout, config.ShutdownTimeout)
	assert.Equal(t, dozer.DefaultLogLevel, config.LogLevel.Level())
	assert.Equal(t, dozer.DefaultDatabaseLogLevel, config.DatabaseLogLevel.Level())
	assert.False(t, config.API.Enabled)
	assert.Equal(t, dozer.DefaultAPIListen, config.API.Listen)
	assert.False(t, config.TOA.Enabled)
	assert.Equal(t, dozer.DefaultTOABaseURL, config.TOA.BaseURL)
}

func TestLoadConfigFromEnv(t *testing.T) {
	resetEnv(t)

	t.Setenv("DOZER_DISCORD_TOKEN", "env-token")
	t.Setenv("DOZER_DISCORD_PREFIX", "!")
	t.Setenv("DOZER_DATABASE", "postgres://db.example.test:5432/dozer")
	t.Setenv("DOZER_LOG_LEVEL", "DEBUG")
	t.Setenv("DOZER_DISCORD_LOG_LEVEL", "ERROR")
	t.Setenv("DOZER_SHUTDOWN_TIMEOUT", "90s")
	t.Setenv("DOZER_API_ENABLED", "true")
	t.Setenv("DOZER_API_LISTEN", "127.0.0.1:8900")
	t.Setenv("DOZER_TOA_ENABLED", "true")
	t.Setenv("DOZER_TOA_KEY", "toa-key")

	initConfig()
	config := unmarshalConfig(t)

	assert.Equal(t, "env-token", config.Discord.Token)
	assert.Equal(t, "!", config.Discord.Prefix)
	assert.Equal(t, "postgres://db.example.test:5432/dozer", config.Database)
	assert.Equal(t, slog.LevelDebug, config.LogLevel.Level())
	assert.Equal(t, slog.LevelError, config.Discord.LogLevel.Level())
	assert.Equal(t, 90*time.Second, config.ShutdownTimeout)
	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:8900", config.API.Listen)
	assert.True(t, config.TOA.Enabled)
	assert.Equal(t, "toa-key", config.TOA.Key)

	require.NoError(t, dozer.ValidateConfig(config))
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	resetEnv(t)

	envFile := filepath.Join(t.TempDir(), "dozer.env")
	require.NoError(
		t, os.WriteFile(
			envFile,
			[]byte(
				strings.Join(
					[]string{
						"DOZER_DISCORD_TOKEN=file-token",
						"DOZER_DISCORD_PREFIX=?",
						"DOZER_DATABASE_LOG_LEVEL=DEBUG",
					}, "\n",
				),
			),
			0o600,
		),
	)

	configFile = envFile
	t.Cleanup(func() { configFile = "" })

	initConfig()
	config := unmarshalConfig(t)

	assert.Equal(t, "file-token", config.Discord.Token)
	assert.Equal(t, "?", config.Discord.Prefix)
	assert.Equal(t, slog.LevelDebug, config.DatabaseLogLevel.Level())
}

func TestLoadConfigCustomEnvPrefix(t *testing.T) {
	resetEnv(t)

	t.Setenv(dozer.EnvvarSetEnvPrefix, "MYBOT")
	t.Setenv("MYBOT_DISCORD_TOKEN", "prefixed-token")
	t.Setenv("DOZER_DISCORD_TOKEN", "wrong-token")

	initConfig()
	config := unmarshalConfig(t)

	assert.Equal(t, "prefixed-token", config.Discord.Token)
}

func TestGetLogLevel(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
	} {
		level, err := getLogLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, level)
	}

	_, err := getLogLevel("verbose")
	assert.Error(t, err)
}

func TestLevelToStringHookFunc(t *testing.T) {
	t.Parallel()
	hook := LevelToStringHookFunc()

	out, err := hook(
		reflect.TypeOf(""),
		reflect.TypeOf(&slog.LevelVar{}),
		"WARN",
	)
	require.NoError(t, err)
	levelVar, ok := out.(*slog.LevelVar)
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, levelVar.Level())

	// other types pass through untouched
	out, err = hook(reflect.TypeOf(0), reflect.TypeOf(&slog.LevelVar{}), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	_, err = hook(
		reflect.TypeOf(""),
		reflect.TypeOf(&slog.LevelVar{}),
		"verbose",
	)
	assert.Error(t, err)
}

func TestLevelStringToLevelVar(t *testing.T) {
	t.Parallel()

	levelVar, err := levelStringToLevelVar("error")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, levelVar.Level())

	_, err = levelStringToLevelVar("nope")
	assert.Error(t, err)
}

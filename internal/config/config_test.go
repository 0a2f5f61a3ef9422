package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamdynamiq/marten/internal/compiler"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), c)
	assert.Equal(t, slog.LevelInfo, c.SlogLevel())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("MARTEN_BLOCK_SIZE", "25")
	t.Setenv("MARTEN_BATCH_SIZE", "10")
	t.Setenv("MARTEN_SEQUENCE_BACKEND", "FILE")
	t.Setenv("MARTEN_SEQUENCE_DIR", "/tmp/seq")
	t.Setenv("MARTEN_LOG_LEVEL", "debug")

	c, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, int64(25), c.DefaultBlockSize)
	assert.Equal(t, 10, c.BatchSize)
	assert.Equal(t, BackendFile, c.SequenceBackend)
	assert.Equal(t, "/tmp/seq", c.SequenceDir)
	assert.Equal(t, slog.LevelDebug, c.SlogLevel())
}

func TestLoad_FlagsWinOverEnvironment(t *testing.T) {
	t.Setenv("MARTEN_DATABASE", "env.db")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String(KeyDatabase, "marten.db", "")
	require.NoError(t, fs.Parse([]string{"--database", "flag.db"}))

	v := NewViper()
	require.NoError(t, v.BindPFlags(fs))

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "flag.db", c.Database)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		msg  string
	}{
		{"zero block size", map[string]string{"MARTEN_BLOCK_SIZE": "0"}, "block-size must be positive"},
		{"negative batch", map[string]string{"MARTEN_BATCH_SIZE": "-1"}, "batch-size must be positive"},
		{"unknown backend", map[string]string{"MARTEN_SEQUENCE_BACKEND": "etcd"}, "unknown sequence-backend"},
		{"bad level", map[string]string{"MARTEN_LOG_LEVEL": "loud"}, "invalid log-level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(NewViper())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestApplyMapping(t *testing.T) {
	v := NewViper()
	c, err := Load(v)
	require.NoError(t, err)

	c = c.ApplyMapping(v, compiler.Settings{BlockSize: 50, BatchSize: 20})
	assert.Equal(t, int64(50), c.DefaultBlockSize)
	assert.Equal(t, 20, c.BatchSize)
}

func TestApplyMapping_ExplicitSettingWins(t *testing.T) {
	t.Setenv("MARTEN_BLOCK_SIZE", "7")
	v := NewViper()
	c, err := Load(v)
	require.NoError(t, err)

	c = c.ApplyMapping(v, compiler.Settings{BlockSize: 50})
	assert.Equal(t, int64(7), c.DefaultBlockSize)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MARTEN_REDIS_ADDR=cache:6380\n"), 0o644))

	// Register cleanup for a variable godotenv is about to set.
	t.Setenv("MARTEN_REDIS_ADDR", "")
	require.NoError(t, os.Unsetenv("MARTEN_REDIS_ADDR"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, ".env.local")))

	c, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", c.RedisAddr)
}

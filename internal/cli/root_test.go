package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "marten", cmd.Use)
	assert.Contains(t, cmd.Long, "MARTEN_*")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"hilo"}, {"hilo", "next"}, {"hilo", "show"}, {"hilo", "floor"},
		{"scenario"}, {"scenario", "run"},
		{"docs"}, {"docs", "list"}, {"docs", "get"},
		{"validate"}, {"config"},
	}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"database", "sequence-backend", "redis-addr", "redis-password", "sequence-dir", "mapping-dir", "log-level"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "config", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func configFromJSON(t *testing.T, out string) map[string]any {
	t.Helper()
	var resp struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestConfig_Defaults(t *testing.T) {
	out, err := execute(t, "config", "--format", "json")
	require.NoError(t, err)

	data := configFromJSON(t, out)
	assert.Equal(t, "marten.db", data["database"])
	assert.Equal(t, float64(1000), data["block_size"])
	assert.Equal(t, float64(500), data["batch_size"])
	assert.Equal(t, "sqlite", data["sequence_backend"])
	assert.NotContains(t, data, "redis_password")
}

func TestConfig_EnvAndFlagPrecedence(t *testing.T) {
	t.Setenv("MARTEN_BLOCK_SIZE", "25")
	t.Setenv("MARTEN_DATABASE", "env.db")
	t.Setenv("MARTEN_SEQUENCE_BACKEND", "file")

	out, err := execute(t, "config", "--format", "json", "--database", "flag.db")
	require.NoError(t, err)

	data := configFromJSON(t, out)
	assert.Equal(t, float64(25), data["block_size"])
	assert.Equal(t, "flag.db", data["database"], "flags win over environment")
	assert.Equal(t, "file", data["sequence_backend"])
}

func TestConfig_InvalidEnv(t *testing.T) {
	t.Setenv("MARTEN_SEQUENCE_BACKEND", "etcd")

	_, err := execute(t, "config")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "etcd")
}

func TestConfig_Text(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "block-size:       1000")
	assert.Contains(t, out, "sequence-backend: sqlite")
}

package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validMappings = `
package mappings

settings: {
	block_size: 100
	batch_size: 250
}

document: user: {
	identity:   "numeric"
	block_size: 25
}

document: order: identity: "token"
`

func writeMappings(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mappings.cue"), []byte(content), 0o644))
	return dir
}

func TestValidate_Valid(t *testing.T) {
	dir := writeMappings(t, validMappings)

	out, err := execute(t, "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Mappings valid (2 document(s))")
}

func TestValidate_ValidJSON(t *testing.T) {
	dir := writeMappings(t, validMappings)

	out, err := execute(t, "validate", dir, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	require.Len(t, resp.Data.Documents, 2)
	assert.Equal(t, "order", resp.Data.Documents[0].Alias)
	assert.Equal(t, int64(25), resp.Data.Documents[1].BlockSize)
	assert.Equal(t, 250, resp.Data.Settings.BatchSize)
}

func TestValidate_NonExistentDirectory(t *testing.T) {
	out, err := execute(t, "validate", "/nonexistent/directory/path")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
	assert.Contains(t, out, "not found")
}

func TestValidate_EmptyDirectory(t *testing.T) {
	out, err := execute(t, "validate", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNoFiles)
	assert.Contains(t, out, "no CUE files found")
}

func TestValidate_UnknownIdentity(t *testing.T) {
	dir := writeMappings(t, `
package mappings

document: user: identity: "sequential"
`)
	out, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "E104")
}

func TestValidate_BlockSizeOnToken(t *testing.T) {
	dir := writeMappings(t, `
package mappings

document: order: {
	identity:   "token"
	block_size: 10
}
`)
	out, err := execute(t, "validate", dir, "--format", "json")
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "block_size only applies to numeric identities")
}

func TestValidate_BadAlias(t *testing.T) {
	dir := writeMappings(t, `
package mappings

document: User: identity: "numeric"
`)
	out, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Contains(t, out, "E103")
}

func TestValidate_NothingDeclared(t *testing.T) {
	dir := writeMappings(t, `
package mappings

other: true
`)
	out, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Contains(t, out, "no settings or documents")
}

func TestLoadMappings(t *testing.T) {
	dir := writeMappings(t, validMappings)

	res, err := LoadMappings(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FileCount)
	assert.Equal(t, int64(100), res.Spec.Settings.BlockSize)
	assert.Len(t, res.Spec.Documents, 2)
}

func TestLoadMappings_CompileErrorHasPosition(t *testing.T) {
	dir := writeMappings(t, `
package mappings

settings: block_size: -1
`)
	_, err := LoadMappings(dir)
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "E101", le.Code)
	assert.True(t, le.Pos.IsValid())
}

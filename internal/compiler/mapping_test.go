package compiler

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamdynamiq/marten/internal/identity"
)

func TestCompileBasic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		settings: {
			block_size: 100
			batch_size: 250
		}

		document: user: {
			identity:   "numeric"
			block_size: 25
		}
		document: order: identity: "token"
		document: country: identity: "assigned"
	`)
	require.NoError(t, v.Err())

	spec, err := Compile(v)
	require.NoError(t, err)

	assert.Equal(t, int64(100), spec.Settings.BlockSize)
	assert.Equal(t, 250, spec.Settings.BatchSize)
	require.Len(t, spec.Documents, 3)

	// Sorted by alias
	assert.Equal(t, "country", spec.Documents[0].Alias)
	assert.Equal(t, identity.Assigned, spec.Documents[0].Kind)
	assert.Equal(t, "order", spec.Documents[1].Alias)
	assert.Equal(t, identity.Token, spec.Documents[1].Kind)
	assert.Equal(t, "user", spec.Documents[2].Alias)
	assert.Equal(t, identity.Numeric, spec.Documents[2].Kind)
	assert.Equal(t, int64(25), spec.Documents[2].BlockSize)

	assert.Empty(t, Validate(spec))
}

func TestCompileEmpty(t *testing.T) {
	v := cuecontext.New().CompileString(`{}`)
	spec, err := Compile(v)
	require.NoError(t, err)
	assert.Equal(t, Settings{}, spec.Settings)
	assert.Empty(t, spec.Documents)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
		msg   string
	}{
		{
			name:  "missing identity",
			src:   `document: user: { block_size: 10 }`,
			field: "identity",
			msg:   "identity is required",
		},
		{
			name:  "unknown identity",
			src:   `document: user: identity: "serial"`,
			field: "identity",
			msg:   "unknown identity kind",
		},
		{
			name:  "float block size",
			src:   `settings: block_size: 1.5`,
			field: "block_size",
			msg:   "must be an integer",
		},
		{
			name:  "zero batch size",
			src:   `settings: batch_size: 0`,
			field: "batch_size",
			msg:   "must be positive",
		},
		{
			name:  "block size on token",
			src:   `document: order: { identity: "token", block_size: 10 }`,
			field: "block_size",
			msg:   "only applies to numeric",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := cuecontext.New().CompileString(tt.src)
			require.NoError(t, v.Err())

			_, err := Compile(v)
			require.Error(t, err)

			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.Contains(t, ce.Message, tt.msg)
		})
	}
}

func TestCompileCUEError(t *testing.T) {
	v := cuecontext.New().CompileString(`document: user: identity: "numeric" & "token"`)
	_, err := Compile(v)
	require.Error(t, err)
}

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Field: "identity", Message: "identity is required"}
	assert.Equal(t, "identity: identity is required", err.Error())
}

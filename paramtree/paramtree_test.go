package paramtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNameRejectsReserved(t *testing.T) {
	assert.Error(t, ValidateName("_id"))
	assert.Error(t, ValidateName("_iteration"))
	assert.Error(t, ValidateName("working_dir"))
	assert.Error(t, ValidateName("optimizer.job_restarts"))
	assert.NoError(t, ValidateName("optimizer.lr"))
	// Plain "id" and "iteration" are ordinary user parameters; only the
	// underscore-prefixed generated-column names are reserved.
	assert.NoError(t, ValidateName("id"))
	assert.NoError(t, ValidateName("iteration"))
}

func TestValidateNameRejectsStdSuffix(t *testing.T) {
	assert.Error(t, ValidateName("loss__std"))
}

func TestValidateNameRejectsBadCharsAndEdges(t *testing.T) {
	assert.Error(t, ValidateName("bad name"))
	assert.Error(t, ValidateName(".leading"))
	assert.Error(t, ValidateName("trailing."))
}

func TestFlattenAndNestedRoundTrip(t *testing.T) {
	nested := map[string]any{
		"optimizer": map[string]any{
			"lr":     0.01,
			"nested": map[string]any{"depth": 2},
		},
		"seed": 7,
	}

	tree := New(nested)

	v, ok := tree.Get("optimizer.lr")
	require.True(t, ok)
	assert.Equal(t, 0.01, v)

	v, ok = tree.Get("optimizer.nested.depth")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	roundTripped := tree.Nested()
	opt := roundTripped["optimizer"].(map[string]any)
	assert.Equal(t, 0.01, opt["lr"])
}

func TestSetIntroducesNewKey(t *testing.T) {
	tree := New(map[string]any{})
	require.NoError(t, tree.Set("brand.new.path", 42))
	v, ok := tree.Get("brand.new.path")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestParseOverrideNumericAndBoolAndString(t *testing.T) {
	ov, err := ParseOverride("optimizer.lr=0.01")
	require.NoError(t, err)
	assert.Equal(t, "optimizer.lr", ov.Path)
	assert.Equal(t, float64(0.01), ov.Value)

	ov, err = ParseOverride("use_gpu=true")
	require.NoError(t, err)
	assert.Equal(t, true, ov.Value)

	ov, err = ParseOverride("backend=condor")
	require.NoError(t, err)
	assert.Equal(t, "condor", ov.Value)
}

func TestParseOverrideRejectsMissingEquals(t *testing.T) {
	_, err := ParseOverride("no-equals-sign")
	assert.Error(t, err)
}

func TestParseOverrideRejectsReservedPath(t *testing.T) {
	_, err := ParseOverride("_id=5")
	assert.Error(t, err)
}

func TestApplyOverridesLastWriteWins(t *testing.T) {
	tree := New(map[string]any{})
	require.NoError(t, tree.ApplyOverrides([]string{
		"optimizer.lr=0.01",
		"optimizer.lr=0.02",
	}))
	v, _ := tree.Get("optimizer.lr")
	assert.Equal(t, float64(0.02), v)
}

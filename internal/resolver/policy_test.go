package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/edgesync/internal/models"
)

const samplePolicy = `
default_strategy: last_write_wins
entity_types:
  job:
    strategy: field_merge
    mergeable: [notes, tags]
  ticket:
    strategy: explicit
  attendance:
    mergeable: [comment]
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, models.StrategyFieldMerge, p.StrategyFor("job"))
	assert.Equal(t, models.StrategyExplicit, p.StrategyFor("ticket"))
	assert.Equal(t, models.StrategyLastWriteWins, p.StrategyFor("attendance"), "empty strategy falls back to default")
	assert.Equal(t, models.StrategyLastWriteWins, p.StrategyFor("unknown"))

	assert.Equal(t, map[string]bool{"notes": true, "tags": true}, p.MergeableFields("job"))
	assert.Nil(t, p.MergeableFields("ticket"))
}

func TestParsePolicy_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "bad default", data: "default_strategy: coin_flip"},
		{name: "bad entity strategy", data: "entity_types:\n  job:\n    strategy: newest"},
		{name: "invalid yaml", data: "entity_types: [unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyExplicit, p.StrategyFor("job"))

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	p, err = LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyFieldMerge, p.StrategyFor("job"))

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

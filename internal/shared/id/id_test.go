package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixes(t *testing.T) {
	run := NewRunID()
	proc := NewProcessID()

	assert.True(t, strings.HasPrefix(run.String(), "run_"))
	assert.True(t, strings.HasPrefix(proc.String(), "proc_"))
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[ProcessID]bool)
	for i := 0; i < 100; i++ {
		p := NewProcessID()
		require.False(t, seen[p], "duplicate id %s", p)
		seen[p] = true
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"prefixed run id", NewRunID().String(), true},
		{"prefixed proc id", NewProcessID().String(), true},
		{"bare ulid", Default().Generate().String(), true},
		{"empty", "", false},
		{"prefix only", "proc_", false},
		{"garbage", "proc_not-a-ulid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValid(tt.id))
		})
	}
}

func TestDeterministicEntropy(t *testing.T) {
	gen := NewGeneratorWithEntropy(strings.NewReader(strings.Repeat("a", 64)))

	a := gen.Generate()
	b := gen.Generate()
	assert.NotEqual(t, a.String(), b.String(), "entropy reader must advance between ids")
}

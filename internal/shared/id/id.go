// Package id provides centralized ID generation for the emulator.
//
// IDs are ULIDs with type-specific prefixes (run_*, proc_*) so that log lines
// and socket paths stay readable while remaining lexicographically sortable.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunID identifies one invocation of the emulator.
type RunID string

// ProcessID identifies one emulated application process slot.
type ProcessID string

const (
	RunPrefix     = "run"
	ProcessPrefix = "proc"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewRunID generates a new run ID.
func NewRunID() RunID {
	return RunID(Default().GenerateWithPrefix(RunPrefix))
}

// NewProcessID generates a new process slot ID.
func NewProcessID() ProcessID {
	return ProcessID(Default().GenerateWithPrefix(ProcessPrefix))
}

func (id RunID) String() string     { return string(id) }
func (id ProcessID) String() string { return string(id) }

// IsValid checks if an ID string is a valid prefixed ULID.
func IsValid(s string) bool {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			_, err := ulid.Parse(s[i+1:])
			return err == nil
		}
	}
	_, err := ulid.Parse(s)
	return err == nil
}

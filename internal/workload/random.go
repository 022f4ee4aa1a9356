// Package workload generates the keys and payloads a dispatch loop sends,
// per the key/payload generator rules.
package workload

import (
	crand "crypto/rand"
	"fmt"
	"math/rand/v2"

	"github.com/example/valkey-loadgen/internal/config"
)

// mixedPayloadZeroRatio is the fraction of a mixed-pattern payload that is
// zero-filled before the random suffix.
const mixedPayloadZeroRatio = 0.7

// RandomPayload returns size non-compressible random bytes from the OS CSPRNG.
func RandomPayload(size int) []byte {
	buf := make([]byte, size)
	if size > 0 {
		_, _ = crand.Read(buf)
	}
	return buf
}

// MixedPayload returns a size-byte payload that is ~70% zero bytes followed
// by a random suffix, approximating typical compressible production data.
func MixedPayload(size int) []byte {
	buf := make([]byte, size)
	zeros := int(float64(size) * mixedPayloadZeroRatio)
	if zeros > size {
		zeros = size
	}
	if zeros < size {
		_, _ = crand.Read(buf[zeros:])
	}
	return buf
}

// Generator produces keys and payloads for one dispatch task. Each task
// owns its own Generator so sequential_random_start's per-task offset
// doesn't require cross-task coordination.
type Generator struct {
	cfg    config.Config
	offset int64 // sequential mode only
}

// NewGenerator builds a Generator for one dispatch task. When
// sequential_random_start is set, it draws this task's starting offset.
func NewGenerator(cfg config.Config) *Generator {
	g := &Generator{cfg: cfg}
	if cfg.SequentialKeyspaceLen > 0 && cfg.SequentialRandomStart {
		g.offset = rand.Int64N(cfg.SequentialKeyspaceLen)
	}
	return g
}

// Key selects a key per the first matching branch: sequential keyspace (with
// optional per-task random start offset), random keyspace, or the
// thread/request-counter default.
func (g *Generator) Key(threadID int, requestsCompleted int64) string {
	switch {
	case g.cfg.SequentialKeyspaceLen > 0:
		idx := (g.offset + requestsCompleted) % g.cfg.SequentialKeyspaceLen
		return fmt.Sprintf("key:%d", idx)
	case g.cfg.RandomKeyspace > 0:
		idx := rand.Int64N(g.cfg.RandomKeyspace)
		return fmt.Sprintf("key:%d", idx)
	default:
		return fmt.Sprintf("key:%d:%d", threadID, requestsCompleted)
	}
}

// Payload returns a data_size-byte random value for SET-like commands.
func (g *Generator) Payload() []byte {
	return RandomPayload(g.cfg.DataSize)
}

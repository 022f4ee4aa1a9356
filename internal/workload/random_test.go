package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/valkey-loadgen/internal/config"
)

func TestRandomPayload_Size(t *testing.T) {
	buf := RandomPayload(1000)
	assert.Len(t, buf, 1000)
}

func TestMixedPayload_ZeroPrefix(t *testing.T) {
	buf := MixedPayload(100)
	assert.Len(t, buf, 100)
	for i := 0; i < 70; i++ {
		assert.Equal(t, byte(0), buf[i])
	}
}

func TestGenerator_SequentialKey(t *testing.T) {
	cfg := config.Config{SequentialKeyspaceLen: 10}
	g := NewGenerator(cfg)
	assert.Equal(t, "key:0", g.Key(0, 0))
	assert.Equal(t, "key:5", g.Key(0, 5))
	assert.Equal(t, "key:0", g.Key(0, 10)) // wraps modulo keyspace length
}

func TestGenerator_SequentialRandomStartOffsets(t *testing.T) {
	cfg := config.Config{SequentialKeyspaceLen: 1000, SequentialRandomStart: true}
	g := NewGenerator(cfg)
	assert.GreaterOrEqual(t, g.offset, int64(0))
	assert.Less(t, g.offset, int64(1000))

	k0 := g.Key(0, 0)
	k1 := g.Key(0, 1)
	assert.NotEqual(t, k0, k1)
}

func TestGenerator_RandomKeyspaceBounded(t *testing.T) {
	cfg := config.Config{RandomKeyspace: 5}
	g := NewGenerator(cfg)
	for i := 0; i < 50; i++ {
		k := g.Key(0, int64(i))
		assert.Regexp(t, `^key:[0-4]$`, k)
	}
}

func TestGenerator_DefaultKey(t *testing.T) {
	g := NewGenerator(config.Config{})
	assert.Equal(t, "key:3:42", g.Key(3, 42))
}

func TestGenerator_Payload(t *testing.T) {
	g := NewGenerator(config.Config{DataSize: 16})
	assert.Len(t, g.Payload(), 16)
}

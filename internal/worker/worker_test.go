package worker

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/valkey-loadgen/internal/config"
	"github.com/example/valkey-loadgen/internal/sample"

	_ "github.com/example/valkey-loadgen/internal/customcmd" // registers "fields"
)

// scriptedServer accepts connections and replies +OK to every command,
// except that every errorEvery-th command on a connection gets a MOVED
// error line instead (errorEvery <= 0 disables errors).
func scriptedServer(t *testing.T, errorEvery int) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(t, conn, errorEvery)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func serveConn(t *testing.T, conn net.Conn, errorEvery int) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	n := 0
	for {
		header, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if len(header) == 0 || header[0] != '*' {
			continue
		}
		count := parseArrayCount(header)
		for i := 0; i < count; i++ {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
		n++
		if errorEvery > 0 && n%errorEvery == 0 {
			if _, err := conn.Write([]byte("-MOVED 1 127.0.0.1:7001\r\n")); err != nil {
				return
			}
			continue
		}
		if _, err := conn.Write([]byte("+OK\r\n")); err != nil {
			return
		}
	}
}

func parseArrayCount(header string) int {
	n := 0
	for _, c := range header[1:] {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// fakeEmitter records every emitted message for assertion.
type fakeEmitter struct {
	mu        sync.Mutex
	progress  []sample.Flushed
	intervals []sample.Flushed
	final     []sample.Flushed
}

func (f *fakeEmitter) EmitProgress(workerID int, completed, errs int64, qps float64, window sample.Flushed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, window)
}

func (f *fakeEmitter) EmitCSVInterval(workerID int, interval sample.Flushed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intervals = append(f.intervals, interval)
}

func (f *fakeEmitter) EmitFinal(workerID int, final sample.Flushed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final = append(f.final, final)
}

func baseWorkerConfig(addr string, totalRequests int64) config.Worker {
	host, port := splitAddr(addr)
	return config.Worker{
		Config: config.Config{
			Host:          host,
			Port:          port,
			PoolSize:      2,
			NumThreads:    2,
			TotalRequests: totalRequests,
			DataSize:      8,
			Command:       config.CommandSet,
		},
		WorkerID:      0,
		TotalRequests: totalRequests,
	}
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

func TestEngine_CompletesAllRequests(t *testing.T) {
	addr, stop := scriptedServer(t, 0)
	defer stop()

	cfg := baseWorkerConfig(addr, 20)
	em := &fakeEmitter{}
	e, warnings, err := New(cfg, em)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	assert.Equal(t, int64(20), e.requestsCompleted.Load())
	require.Len(t, em.final, 1)
	assert.Equal(t, int64(20), em.final[0].Requests)
	assert.Equal(t, int64(0), em.final[0].Errors)
}

func TestEngine_ClassifiesMovedErrors(t *testing.T) {
	addr, stop := scriptedServer(t, 2) // every 2nd reply is a MOVED error
	defer stop()

	cfg := baseWorkerConfig(addr, 10)
	cfg.NumThreads = 1
	cfg.PoolSize = 1
	em := &fakeEmitter{}
	e, _, err := New(cfg, em)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	require.Len(t, em.final, 1)
	assert.Equal(t, int64(5), em.final[0].Requests)
	assert.Equal(t, int64(5), em.final[0].Errors)
	assert.Equal(t, int64(5), em.final[0].Moved)
}

func TestEngine_ShutdownSignalStopsEarly(t *testing.T) {
	addr, stop := scriptedServer(t, 0)
	defer stop()

	cfg := baseWorkerConfig(addr, 1_000_000_000)
	em := &fakeEmitter{}
	e, _, err := New(cfg, em)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	assert.Less(t, e.requestsCompleted.Load(), int64(1_000_000_000))
	require.Len(t, em.final, 1)
}

func TestEngine_TestDurationStopsEarly(t *testing.T) {
	addr, stop := scriptedServer(t, 0)
	defer stop()

	cfg := baseWorkerConfig(addr, 1_000_000_000)
	cfg.TestDurationSec = 1
	em := &fakeEmitter{}
	e, _, err := New(cfg, em)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, e.Run(context.Background()))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestEngine_CustomCommandDispatch(t *testing.T) {
	addr, stop := scriptedServer(t, 0)
	defer stop()

	cfg := baseWorkerConfig(addr, 4)
	cfg.Command = config.CommandCustom
	cfg.CustomCommandFile = "fields"
	cfg.CustomCommandArgs = "operation=set,batch_size=1"
	em := &fakeEmitter{}
	e, _, err := New(cfg, em)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	require.Len(t, em.final, 1)
	assert.Equal(t, int64(4), em.final[0].Requests)
}

func TestEngine_UnknownCustomCommand(t *testing.T) {
	cfg := baseWorkerConfig("127.0.0.1:0", 1)
	cfg.Command = config.CommandCustom
	cfg.CustomCommandFile = "does-not-exist"
	_, _, err := New(cfg, &fakeEmitter{})
	require.Error(t, err)
}

func TestCapabilityName(t *testing.T) {
	assert.Equal(t, "fields", capabilityName("/path/to/fields.py"))
	assert.Equal(t, "fields", capabilityName("fields"))
}

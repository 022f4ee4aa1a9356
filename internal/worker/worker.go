// Package worker implements the Worker Engine (§4.2): a connection pool of
// P client connections, M cooperative dispatch-loop goroutines sharing one
// rate controller, and the accumulation/flush hooks that feed an Emitter
// (the IPC transport to the orchestrator, in every run).
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/valkey-loadgen/internal/config"
	"github.com/example/valkey-loadgen/internal/customcmd"
	"github.com/example/valkey-loadgen/internal/kvclient"
	"github.com/example/valkey-loadgen/internal/ratectl"
	"github.com/example/valkey-loadgen/internal/sample"
	"github.com/example/valkey-loadgen/internal/workload"
)

// errCustomCommandFailed is returned when a custom capability's Execute
// reports ok=false without an error, per its documented success contract.
var errCustomCommandFailed = errors.New("worker: custom command reported failure")

// errLogRate bounds how many per-request error lines a worker prints to
// stderr in human mode; a failing server can otherwise flood the terminal
// faster than anyone can read it.
const errLogRate = 20 // lines/sec, burst 20

// Emitter receives the worker's periodic and final sample data. cmd/main.go's
// worker-mode path wires it to internal/ipc for transport to the
// orchestrator; a --single-process run is one such subprocess worker, and
// the orchestrator renders its console and CSV output.
type Emitter interface {
	// EmitProgress is called roughly once per second in human mode
	// (csv_interval_sec==0), carrying the just-flushed 1-second window.
	EmitProgress(workerID int, completed, errors int64, currentQPS float64, window sample.Flushed)
	// EmitCSVInterval is called when an interval comes due in CSV mode.
	EmitCSVInterval(workerID int, interval sample.Flushed)
	// EmitFinal is called once at teardown with the worker's entire run.
	EmitFinal(workerID int, final sample.Flushed)
}

// Engine runs one worker's share of the benchmark (§4.2).
type Engine struct {
	cfg      config.Worker
	rateCtrl *ratectl.Controller
	emitter  Emitter
	custom   customcmd.Capability

	conns []*kvclient.Client

	intervalBucket *sample.Bucket // resets on every CSV/progress flush
	totalBucket    *sample.Bucket // never resets; drained once at teardown

	requestsCompleted atomic.Int64
	requestsStarted   atomic.Int64 // quota slots reserved by shouldStop
	totalErrors       atomic.Int64

	errLogLimiter *rate.Limiter // caps stderr error lines in human mode
}

// New builds an Engine for one planned config.Worker. Non-fatal rate
// controller warnings (§4.1) are returned alongside it for the caller to
// surface.
func New(cfg config.Worker, emitter Emitter) (*Engine, []string, error) {
	rateCtrl, warnings := ratectl.New(cfg.Config)

	e := &Engine{
		cfg:            cfg,
		rateCtrl:       rateCtrl,
		emitter:        emitter,
		intervalBucket: sample.NewBucket(),
		totalBucket:    sample.NewBucket(),
		errLogLimiter:  rate.NewLimiter(rate.Limit(errLogRate), errLogRate),
	}

	if cfg.Command == config.CommandCustom {
		name := capabilityName(cfg.CustomCommandFile)
		built, err := customcmd.New(name, cfg.CustomCommandArgs)
		if err != nil {
			return nil, warnings, fmt.Errorf("worker %d: loading custom command: %w", cfg.WorkerID, err)
		}
		e.custom = built
	}

	return e, warnings, nil
}

// capabilityName derives a registry lookup name from a user-supplied file
// path, since Go cannot dynamically import arbitrary source (§6.4): the
// path's base name, extension stripped, is looked up in the customcmd
// registry.
func capabilityName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Run opens the connection pool, runs NumThreads dispatch loops to
// completion, and emits a Final message before returning. ctx cancellation
// is the "shutdown signal" stop condition; a TestDurationSec>0 config
// additionally bounds ctx with its own deadline.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.TestDurationSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.TestDurationSec)*time.Second)
		defer cancel()
	}

	if err := e.connect(ctx); err != nil {
		return err
	}
	defer e.closeConns()

	var wg sync.WaitGroup
	wg.Add(e.cfg.NumThreads)
	for i := 0; i < e.cfg.NumThreads; i++ {
		go func(taskID int) {
			defer wg.Done()
			e.runTask(ctx, taskID)
		}(i)
	}
	wg.Wait()

	// Final drain: emit whatever the last partial interval still holds.
	if !e.intervalBucket.Empty() {
		e.maybeFlush(0)
	}

	final := e.totalBucket.Flush()
	e.emitter.EmitFinal(e.cfg.WorkerID, final)
	return nil
}

func (e *Engine) connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	opts := kvclient.Options{
		Addresses:       []string{addr},
		TLS:             e.cfg.UseTLS,
		ReadFromReplica: e.cfg.ReadFromReplica,
		RequestTimeout:  time.Duration(e.cfg.RequestTimeoutMS) * time.Millisecond,
		IsCluster:       e.cfg.IsCluster,
	}

	e.conns = make([]*kvclient.Client, e.cfg.PoolSize)
	for i := range e.conns {
		client, err := kvclient.Connect(ctx, opts)
		if err != nil {
			e.closeConns()
			return fmt.Errorf("worker %d: connecting pool slot %d: %w", e.cfg.WorkerID, i, err)
		}
		e.conns[i] = client
	}
	return nil
}

func (e *Engine) closeConns() {
	for _, c := range e.conns {
		if c != nil {
			c.Close()
		}
	}
}

// shouldStop checks the three §4.2 stop conditions. The shutdown-signal and
// test_duration conditions are both carried by ctx (the latter via a
// deadline applied in Run); the request quota only applies when no duration
// was configured, and is enforced by reserving one slot per dispatch so
// concurrent tasks never issue more than TotalRequests between them.
func (e *Engine) shouldStop(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	if e.cfg.TestDurationSec <= 0 && e.requestsStarted.Add(1) > e.cfg.TotalRequests {
		return true
	}
	return false
}

// flushInterval is the CSV interval in CSV mode, or a fixed 1-second window
// in human mode (csv_interval_sec==0).
func (e *Engine) flushInterval() time.Duration {
	if e.cfg.CSVIntervalSec > 0 {
		return time.Duration(e.cfg.CSVIntervalSec) * time.Second
	}
	return time.Second
}

func (e *Engine) runTask(ctx context.Context, taskID int) {
	gen := workload.NewGenerator(e.cfg.Config)
	interval := e.flushInterval()

	for {
		if e.shouldStop(ctx) {
			return
		}

		conn := e.conns[e.requestsCompleted.Load()%int64(len(e.conns))]

		if err := e.rateCtrl.Throttle(ctx); err != nil {
			return
		}

		start := time.Now()
		err := e.dispatch(ctx, conn, gen, taskID)
		latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

		if err != nil {
			e.recordError(err)
		} else {
			e.recordSuccess(latencyMs)
		}
		e.requestsCompleted.Add(1)

		e.maybeFlush(interval)
	}
}

func (e *Engine) dispatch(ctx context.Context, conn *kvclient.Client, gen *workload.Generator, taskID int) error {
	key := gen.Key(taskID, e.requestsCompleted.Load())
	switch e.cfg.Command {
	case config.CommandSet:
		return conn.Set(key, string(gen.Payload()))
	case config.CommandGet:
		_, _, err := conn.Get(key)
		return err
	case config.CommandHSet:
		return conn.HSet(key, map[string]string{"field": string(gen.Payload())})
	case config.CommandHGet:
		_, _, err := conn.HGet(key, "field")
		return err
	case config.CommandMSet:
		return conn.MSet(map[string]string{key: string(gen.Payload())})
	case config.CommandCustom:
		ok, err := e.custom.Execute(ctx, conn)
		if err != nil {
			return err
		}
		if !ok {
			return errCustomCommandFailed
		}
		return nil
	default:
		return fmt.Errorf("worker: unknown command %q", e.cfg.Command)
	}
}

func (e *Engine) recordSuccess(ms float64) {
	e.intervalBucket.AddLatency(ms)
	e.totalBucket.AddLatency(ms)
}

func (e *Engine) recordError(err error) {
	e.totalErrors.Add(1)
	kind := sample.ClassifyError(err.Error())
	e.intervalBucket.AddError(kind)
	e.totalBucket.AddError(kind)
	if isDisconnect(err) {
		e.intervalBucket.AddDisconnect()
		e.totalBucket.AddDisconnect()
	}
	if e.cfg.CSVIntervalSec == 0 && e.errLogLimiter.Allow() {
		fmt.Fprintln(os.Stderr, err)
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (e *Engine) maybeFlush(interval time.Duration) {
	if !e.intervalBucket.Due(interval) {
		return
	}
	flushed := e.intervalBucket.Flush()
	if e.cfg.CSVIntervalSec > 0 {
		e.emitter.EmitCSVInterval(e.cfg.WorkerID, flushed)
	} else {
		e.emitter.EmitProgress(e.cfg.WorkerID, e.requestsCompleted.Load(), e.totalErrors.Load(), e.rateCtrl.CurrentQPS(), flushed)
	}
}

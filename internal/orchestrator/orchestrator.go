// Package orchestrator implements the Orchestrator (§4.4): it plans
// per-worker configs, spawns each worker as an independent OS process (Go
// has no fork(), so this re-invokes the running binary in "worker mode"),
// aggregates the workers' IPC messages into human-mode progress lines or
// CSV rows, and renders the final summary on shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/valkey-loadgen/internal/config"
	"github.com/example/valkey-loadgen/internal/ipc"
	"github.com/example/valkey-loadgen/internal/report"
	"github.com/example/valkey-loadgen/internal/sample"
)

// EnvWorkerConfig names the environment variable a spawned worker
// subprocess reads its planned config.Worker from (JSON-encoded), since a
// re-exec'd process can't receive a Go struct directly.
const EnvWorkerConfig = "VALKEY_LOADGEN_WORKER_CONFIG"

// EnvRunID names the environment variable carrying the orchestrator's
// per-run identifier, used to tag every IPC message a worker emits.
const EnvRunID = "VALKEY_LOADGEN_RUN_ID"

// WorkerModeFlag is the hidden CLI flag cmd/main.go checks to decide
// whether it is running as a subprocess worker instead of the orchestrator.
const WorkerModeFlag = "--worker-mode"

// metricsChannelCapacity approximates §4.4's "bounded, capacity ~1000".
const metricsChannelCapacity = 1000

// shutdownGrace is how long the orchestrator waits for workers to exit on
// their own after a shutdown signal before force-terminating them.
const shutdownGrace = 5 * time.Second

// DecodeWorkerConfig reads and decodes this process's planned config.Worker
// from EnvWorkerConfig. Called by cmd/main.go when WorkerModeFlag is set.
func DecodeWorkerConfig() (config.Worker, error) {
	raw := os.Getenv(EnvWorkerConfig)
	if raw == "" {
		return config.Worker{}, fmt.Errorf("orchestrator: %s not set", EnvWorkerConfig)
	}
	var w config.Worker
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return config.Worker{}, fmt.Errorf("orchestrator: decoding %s: %w", EnvWorkerConfig, err)
	}
	return w, nil
}

// Orchestrator drives one full benchmark run across N worker subprocesses.
type Orchestrator struct {
	cfg        config.Config
	numProc    int
	binaryPath string

	console   *report.Console
	csvWriter io.Writer // nil in human mode
	exporter  *report.Exporter
}

// New builds an Orchestrator. csvWriter is used only when cfg.CSVIntervalSec>0.
func New(cfg config.Config, numProc int, binaryPath string, console *report.Console, csvWriter io.Writer, exporter *report.Exporter) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		numProc:    numProc,
		binaryPath: binaryPath,
		console:    console,
		csvWriter:  csvWriter,
		exporter:   exporter,
	}
}

// Run plans, spawns, aggregates, and reports a full benchmark run. It
// returns once every worker has exited and the final summary has printed.
func (o *Orchestrator) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	runID := uuid.NewString()
	fmt.Fprintf(os.Stderr, "run id: %s\n", runID)

	plan := config.Plan(o.cfg, o.numProc)
	msgCh := make(chan ipc.Message, metricsChannelCapacity)

	cmds := make([]*exec.Cmd, len(plan))
	var pumpWG sync.WaitGroup
	for i, w := range plan {
		cmd, stdout, err := o.spawnWorker(ctx, w, i, len(plan), runID)
		if err != nil {
			cancel()
			o.killAll(cmds)
			return fmt.Errorf("orchestrator: spawning worker %d: %w", i, err)
		}
		cmds[i] = cmd

		pumpWG.Add(1)
		go func(workerID int, r io.ReadCloser) {
			defer pumpWG.Done()
			dropped, _ := ipc.Pump(ctx, r, msgCh)
			if dropped > 0 {
				fmt.Fprintf(os.Stderr, "worker %d: dropped %d observability message(s) under backpressure\n", workerID, dropped)
			}
		}(w.WorkerID, stdout)
	}

	pumpsDone := make(chan struct{})
	go func() {
		pumpWG.Wait()
		close(pumpsDone)
		close(msgCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	if o.exporter != nil {
		o.exporter.UpdateActiveWorkers(len(plan))
	}

	summary := o.aggregate(ctx, cancel, msgCh, sigCh, cmds, len(plan), time.Now())

	for _, cmd := range cmds {
		_ = cmd.Wait()
	}

	o.console.PrintFinal(summary)
	return nil
}

func (o *Orchestrator) spawnWorker(ctx context.Context, w config.Worker, processID, totalProcesses int, runID string) (*exec.Cmd, io.ReadCloser, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding worker %d config: %w", w.WorkerID, err)
	}

	cmd := exec.CommandContext(ctx, o.binaryPath, WorkerModeFlag)
	cmd.Env = append(os.Environ(),
		EnvWorkerConfig+"="+string(data),
		EnvRunID+"="+runID,
		"WARMUP_PROCESS_ID="+strconv.Itoa(processID),
		"WARMUP_TOTAL_PROCESSES="+strconv.Itoa(totalProcesses),
	)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("worker %d: stdout pipe: %w", w.WorkerID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("worker %d: start: %w", w.WorkerID, err)
	}
	return cmd, stdout, nil
}

func (o *Orchestrator) killAll(cmds []*exec.Cmd) {
	for _, cmd := range cmds {
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// aggregate runs the §4.4 aggregation loop until every worker's pump
// goroutine has finished (all subprocess stdout pipes closed), or a
// shutdown signal forces early termination. It returns the final summary.
func (o *Orchestrator) aggregate(ctx context.Context, cancel context.CancelFunc, msgCh <-chan ipc.Message, sigCh <-chan os.Signal, cmds []*exec.Cmd, numWorkers int, startTime time.Time) report.Summary {
	completed := make(map[int]int64)
	errorsByWorker := make(map[int]int64)
	qpsByWorker := make(map[int]float64)
	var windowLatencies []float64

	pending := make(map[int]sample.Flushed)
	intervalStart := time.Now()
	csvHeaderPrinted := false

	var finals []sample.Flushed

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var graceTimer *time.Timer
	shuttingDown := false

	for {
		select {
		case <-sigCh:
			if !shuttingDown {
				shuttingDown = true
				cancel()
				graceTimer = time.AfterFunc(shutdownGrace, func() { o.killAll(cmds) })
			}

		case msg, ok := <-msgCh:
			if !ok {
				if graceTimer != nil {
					graceTimer.Stop()
				}
				if len(pending) > 0 {
					o.emitCSVRow(pending, intervalStart, &csvHeaderPrinted)
				}
				return o.buildSummary(finals, startTime)
			}
			switch msg.Kind {
			case ipc.KindProgress:
				completed[msg.WorkerID] = msg.Completed
				errorsByWorker[msg.WorkerID] = msg.Errors
				qpsByWorker[msg.WorkerID] = msg.CurrentQPS
				windowLatencies = append(windowLatencies, msg.Flushed.LatenciesMs...)
				o.recordExporterWindow(msg.Flushed)
			case ipc.KindCSVInterval:
				pending[msg.WorkerID] = msg.Flushed
				o.recordExporterWindow(msg.Flushed)
				if len(pending) >= numWorkers {
					o.emitCSVRow(pending, intervalStart, &csvHeaderPrinted)
					pending = make(map[int]sample.Flushed)
					intervalStart = time.Now()
				}
			case ipc.KindFinal:
				finals = append(finals, msg.Flushed)
			case ipc.KindWarning:
				fmt.Fprintf(os.Stderr, "worker %d: %s\n", msg.WorkerID, msg.Text)
			}

		case <-ticker.C:
			if o.cfg.CSVIntervalSec == 0 {
				o.printProgress(completed, errorsByWorker, qpsByWorker, windowLatencies, startTime)
				windowLatencies = nil
			} else if len(pending) > 0 && time.Since(intervalStart) >= time.Duration(o.cfg.CSVIntervalSec)*time.Second {
				o.emitCSVRow(pending, intervalStart, &csvHeaderPrinted)
				pending = make(map[int]sample.Flushed)
				intervalStart = time.Now()
			}
		}
	}
}

func (o *Orchestrator) printProgress(completed, errorsByWorker map[int]int64, qpsByWorker map[int]float64, windowLatencies []float64, startTime time.Time) {
	var totalCompleted, totalErrors int64
	var totalQPS float64
	for _, c := range completed {
		totalCompleted += c
	}
	for _, e := range errorsByWorker {
		totalErrors += e
	}
	for _, q := range qpsByWorker {
		totalQPS += q
	}
	if o.exporter != nil {
		target := o.cfg.EndQPS
		if target <= 0 {
			target = o.cfg.QPS
		}
		o.exporter.UpdateQPS(totalQPS, target)
	}
	o.console.PrintProgress(report.Progress{
		Elapsed:     time.Since(startTime),
		Completed:   totalCompleted,
		Errors:      totalErrors,
		CurrentQPS:  totalQPS,
		WindowStats: sample.Compute(windowLatencies),
	})
}

// recordExporterWindow feeds one worker's just-flushed interval into the
// Prometheus exporter, if enabled. Flushed already carries the real
// per-request outcomes a worker subprocess classified (§4.2); this is the
// only place they reach the orchestrator's counters, since Progress and
// CSVInterval messages are the only IPC traffic that crosses that
// boundary on a success/error/disconnect basis.
func (o *Orchestrator) recordExporterWindow(f sample.Flushed) {
	if o.exporter == nil {
		return
	}
	for _, ms := range f.LatenciesMs {
		o.exporter.RecordSuccess(time.Duration(ms * float64(time.Millisecond)))
	}
	for i := int64(0); i < f.Moved; i++ {
		o.exporter.RecordError(sample.ErrorMoved)
	}
	for i := int64(0); i < f.ClusterDown; i++ {
		o.exporter.RecordError(sample.ErrorClusterDown)
	}
	generic := f.Errors - f.Moved - f.ClusterDown
	for i := int64(0); i < generic; i++ {
		o.exporter.RecordError(sample.ErrorGeneric)
	}
	for i := int64(0); i < f.Disconnects; i++ {
		o.exporter.RecordDisconnect()
	}
}

func (o *Orchestrator) emitCSVRow(pending map[int]sample.Flushed, intervalStart time.Time, headerPrinted *bool) {
	if o.csvWriter == nil {
		return
	}
	parts := make([]sample.Flushed, 0, len(pending))
	for _, f := range pending {
		parts = append(parts, f)
	}
	merged := sample.Merge(parts)
	if merged.Duration == 0 {
		merged.Duration = time.Since(intervalStart)
	}
	row := sample.RowFromFlushed(merged)

	if !*headerPrinted {
		fmt.Fprintln(o.csvWriter, sample.CSVHeader)
		*headerPrinted = true
	}
	fmt.Fprintln(o.csvWriter, row.String())
}

func (o *Orchestrator) buildSummary(finals []sample.Flushed, startTime time.Time) report.Summary {
	merged := sample.Merge(finals)
	return report.Summary{
		TotalTime:     time.Since(startTime),
		TotalRequests: merged.Requests,
		TotalErrors:   merged.Errors,
		LatenciesMs:   merged.LatenciesMs,
	}
}

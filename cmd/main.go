// Package main provides the CLI entry point for the load generator.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/example/valkey-loadgen/internal/config"
	"github.com/example/valkey-loadgen/internal/customcmd"
	"github.com/example/valkey-loadgen/internal/ipc"
	"github.com/example/valkey-loadgen/internal/orchestrator"
	"github.com/example/valkey-loadgen/internal/report"
	"github.com/example/valkey-loadgen/internal/worker"
)

// Version information (populated at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// CLI flags.
var (
	configPath string

	host       string
	port       int
	clients    int
	requests   int64
	datasize   int
	cmdType    string
	random     int64
	threads    int
	testDurSec int

	sequential            int64
	sequentialRandomStart bool

	qps               float64
	startQPS          float64
	endQPS            float64
	qpsChangeInterval float64
	qpsChange         float64
	qpsRampMode       string
	qpsRampFactor     float64

	useTLS          bool
	isCluster       bool
	readFromReplica bool

	customCommandFile  string
	customCommandArgs  string
	listCustomCommands bool

	csvIntervalSec int
	processes      string
	singleProcess  bool
	requestTimeout int

	prometheusAddr string

	validate    bool
	dryRun      bool
	showVersion bool

	workerMode bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file; explicitly set flags override its values")

	flag.StringVar(&host, "H", "", "Server hostname")
	flag.StringVar(&host, "host", "", "Server hostname")
	flag.IntVar(&port, "p", 0, "Server port")
	flag.IntVar(&port, "port", 0, "Server port")
	flag.IntVar(&clients, "c", 0, "P: connections per worker")
	flag.IntVar(&clients, "clients", 0, "P: connections per worker")
	flag.Int64Var(&requests, "n", 0, "N_total requests across all workers")
	flag.Int64Var(&requests, "requests", 0, "N_total requests across all workers")
	flag.IntVar(&datasize, "d", 0, "SET payload size in bytes")
	flag.IntVar(&datasize, "datasize", 0, "SET payload size in bytes")
	flag.StringVar(&cmdType, "t", "", "set, get, hset, hget, mset, or custom")
	flag.StringVar(&cmdType, "type", "", "set, get, hset, hget, mset, or custom")
	flag.Int64Var(&random, "r", 0, "random keyspace size; 0 disables")
	flag.Int64Var(&random, "random", 0, "random keyspace size; 0 disables")
	flag.IntVar(&threads, "threads", 0, "M: cooperative tasks per worker")
	flag.IntVar(&testDurSec, "test-duration", 0, "seconds; 0 disables (use --requests instead)")

	flag.Int64Var(&sequential, "sequential", 0, "sequential keyspace length")
	flag.BoolVar(&sequentialRandomStart, "sequential-random-start", false, "randomize each task's sequential start offset (requires --sequential)")

	flag.Float64Var(&qps, "qps", 0, "fixed target QPS across all workers")
	flag.Float64Var(&startQPS, "start-qps", 0, "ramp start QPS across all workers")
	flag.Float64Var(&endQPS, "end-qps", 0, "ramp end QPS across all workers")
	flag.Float64Var(&qpsChangeInterval, "qps-change-interval", 0, "seconds between ramp steps")
	flag.Float64Var(&qpsChange, "qps-change", 0, "linear ramp step size")
	flag.StringVar(&qpsRampMode, "qps-ramp-mode", "", "linear or exponential")
	flag.Float64Var(&qpsRampFactor, "qps-ramp-factor", 0, "exponential ramp multiplier (required when exponential)")

	flag.BoolVar(&useTLS, "tls", false, "use TLS for server connections")
	flag.BoolVar(&isCluster, "cluster", false, "target is a cluster deployment")
	flag.BoolVar(&readFromReplica, "read-from-replica", false, "prefer replica nodes for reads")

	flag.StringVar(&customCommandFile, "custom-command-file", "", "custom command capability name (see --list-custom-commands)")
	flag.StringVar(&customCommandArgs, "custom-command-args", "", "opaque comma-separated key=value string passed to the custom capability")
	flag.BoolVar(&listCustomCommands, "list-custom-commands", false, "list registered custom command capabilities and exit")

	flag.IntVar(&csvIntervalSec, "interval-metrics-interval-duration-sec", 0, "enables CSV mode with this interval in seconds")
	flag.StringVar(&processes, "processes", "auto", "N_proc worker processes; auto uses CPU count")
	flag.BoolVar(&singleProcess, "single-process", false, "force N_proc=1")
	flag.IntVar(&requestTimeout, "request-timeout", 0, "client request timeout in milliseconds")

	flag.StringVar(&prometheusAddr, "prometheus-addr", "", "optional Prometheus /metrics listen address, e.g. :9090")

	flag.BoolVar(&validate, "validate", false, "validate configuration and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "print the per-worker execution plan and exit")
	flag.BoolVar(&showVersion, "version", false, "show version information and exit")

	flag.BoolVar(&workerMode, orchestrator.WorkerModeFlag[2:], false, "internal: run as a subprocess worker (do not set directly)")

	flag.Usage = printUsage
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `valkey-loadgen - Valkey/Redis-compatible load generator

USAGE:
    valkey-loadgen [-config <path>] [options]

DESCRIPTION:
    Drives a configurable rate of SET/GET/HSET/HGET/MSET/custom commands
    against a Valkey or Redis-compatible server, across N_proc worker
    processes, and reports either a human-mode progress/summary or a CSV
    interval stream.

CONNECTION:
    -H, --host <name>       Server hostname (default 127.0.0.1)
    -p, --port <n>          Server port (default 6379)
    --tls                   Use TLS
    --cluster               Target is a cluster deployment
    --read-from-replica     Prefer replica nodes for reads
    --request-timeout <ms>  Client request timeout

WORKLOAD:
    -c, --clients <n>       Connections per worker (default 50)
    -n, --requests <n>      Total requests across all workers (default 100000)
    -d, --datasize <n>      SET payload size in bytes (default 3)
    -t, --type <cmd>        set, get, hset, hget, mset, or custom (default set)
    -r, --random <n>        Random keyspace size; 0 disables
    --sequential <n>        Sequential keyspace length
    --sequential-random-start   Randomize each task's sequential offset
    --threads <n>           Cooperative tasks per worker (default 1)
    --test-duration <sec>   Run for a fixed duration instead of a request count

RATE CONTROL:
    --qps <n>                    Fixed target QPS
    --start-qps / --end-qps <n>  Ramp endpoints
    --qps-change-interval <sec>  Seconds between ramp steps
    --qps-change <n>             Linear ramp step size
    --qps-ramp-mode <mode>       linear or exponential
    --qps-ramp-factor <n>        Exponential ramp multiplier

CUSTOM COMMANDS:
    --custom-command-file <name>  Registered capability name (-t custom)
    --custom-command-args <str>   comma-separated key=value string
    --list-custom-commands        List registered capabilities and exit

MULTI-PROCESS & OUTPUT:
    --processes <n|auto>    N_proc worker processes (default auto)
    --single-process        Force N_proc=1
    --interval-metrics-interval-duration-sec <n>  Enable CSV mode
    --prometheus-addr <addr>  Optional Prometheus /metrics endpoint

UTILITY:
    --config <path>   Load a YAML configuration file (explicit flags override it)
    --validate        Validate configuration and exit
    --dry-run         Print the per-worker execution plan and exit
    --version         Show version information
    --help, -h        Show this help message
`)
}

func main() {
	flag.Parse()

	if showVersion {
		printVersion()
		return
	}

	if workerMode {
		os.Exit(runWorkerMode())
	}

	if listCustomCommands {
		for _, name := range customcmd.Names() {
			fmt.Println(name)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	applyOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	numProc, err := resolveProcesses()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if validate {
		fmt.Println("Configuration is valid.")
		return
	}

	if dryRun {
		printExecutionPlan(*cfg, numProc)
		return
	}

	os.Exit(run(*cfg, numProc))
}

func printVersion() {
	fmt.Printf("valkey-loadgen version %s\n", version)
	fmt.Printf("  build time: %s\n", buildTime)
	fmt.Printf("  git commit: %s\n", gitCommit)
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.LoadFromFile(configPath)
}

// applyOverrides layers explicitly-set CLI flags on top of the loaded
// config. flag.Visit only calls back for flags the user actually set, so a
// flag's zero value never clobbers a value the config file provided.
func applyOverrides(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "H", "host":
			cfg.Host = host
		case "p", "port":
			cfg.Port = port
		case "c", "clients":
			cfg.PoolSize = clients
		case "n", "requests":
			cfg.TotalRequests = requests
		case "d", "datasize":
			cfg.DataSize = datasize
		case "t", "type":
			cfg.Command = config.Command(cmdType)
		case "r", "random":
			cfg.RandomKeyspace = random
		case "threads":
			cfg.NumThreads = threads
		case "test-duration":
			cfg.TestDurationSec = testDurSec
		case "sequential":
			cfg.SequentialKeyspaceLen = sequential
		case "sequential-random-start":
			cfg.SequentialRandomStart = sequentialRandomStart
		case "qps":
			cfg.QPS = qps
		case "start-qps":
			cfg.StartQPS = startQPS
		case "end-qps":
			cfg.EndQPS = endQPS
		case "qps-change-interval":
			cfg.QPSChangeInterval = qpsChangeInterval
		case "qps-change":
			cfg.QPSChange = qpsChange
		case "qps-ramp-mode":
			cfg.QPSRampMode = config.RampMode(qpsRampMode)
		case "qps-ramp-factor":
			cfg.QPSRampFactor = qpsRampFactor
		case "tls":
			cfg.UseTLS = useTLS
		case "cluster":
			cfg.IsCluster = isCluster
		case "read-from-replica":
			cfg.ReadFromReplica = readFromReplica
		case "custom-command-file":
			cfg.CustomCommandFile = customCommandFile
		case "custom-command-args":
			cfg.CustomCommandArgs = customCommandArgs
		case "interval-metrics-interval-duration-sec":
			cfg.CSVIntervalSec = csvIntervalSec
		case "processes":
			cfg.NumProcesses = 0 // resolved separately; see resolveProcesses
		case "request-timeout":
			cfg.RequestTimeoutMS = requestTimeout
		case "prometheus-addr":
			cfg.PrometheusAddr = prometheusAddr
		}
	})
}

func resolveProcesses() (int, error) {
	if singleProcess {
		return 1, nil
	}
	return config.ParseProcesses(processes)
}

func printExecutionPlan(cfg config.Config, numProc int) {
	plan := config.Plan(cfg, numProc)
	fmt.Printf("%d worker process(es), %s against %s:%d\n", numProc, cfg.Command, cfg.Host, cfg.Port)
	for _, w := range plan {
		fmt.Printf("  worker %d: requests=%d qps=%.0f start_qps=%.0f end_qps=%.0f pool_size=%d threads=%d\n",
			w.WorkerID, w.TotalRequests, w.QPS, w.StartQPS, w.EndQPS, w.PoolSize, w.NumThreads)
	}
}

// run starts the orchestrator for a direct (non-worker-mode) invocation: it
// re-execs this same binary per planned worker (§4.4), aggregates their IPC
// messages, and renders progress/CSV/final output. Returns the process exit
// code.
func run(cfg config.Config, numProc int) int {
	binaryPath, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: resolving own binary path:", err)
		return 1
	}

	console := report.NewConsole(os.Stdout, true)

	var exporter *report.Exporter
	if cfg.PrometheusAddr != "" {
		exporter = report.NewExporter()
		if err := exporter.Start(cfg.PrometheusAddr); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: prometheus endpoint failed to start:", err)
			exporter = nil
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = exporter.Stop(ctx)
			}()
		}
	}

	var csvWriter io.Writer
	if cfg.CSVIntervalSec > 0 {
		csvWriter = os.Stdout
	}

	orc := orchestrator.New(cfg, numProc, binaryPath, console, csvWriter, exporter)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := orc.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// runWorkerMode is entered when this process was re-exec'd by an
// Orchestrator. It decodes its planned config.Worker from the environment
// (§4.4), runs the Worker Engine, and streams IPC messages on stdout.
func runWorkerMode() int {
	w, err := orchestrator.DecodeWorkerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}

	emitter := ipc.NewWriter(os.Stdout)
	defer emitter.Close()
	emitter.SetRunID(os.Getenv(orchestrator.EnvRunID))
	engine, warnings, err := worker.New(w, emitter)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	for _, warning := range warnings {
		emitter.EmitWarning(w.WorkerID, warning)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := engine.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// Package config provides the Configuration structure for the load
// generator, loading it from an optional YAML file and from CLI flag
// overrides, then validating and planning per-worker splits.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Errors returned by the config package.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrConfigNotFound is returned when the config file is not found.
	ErrConfigNotFound = errors.New("config: configuration file not found")
)

// Command identifies the workload command a worker issues per request.
type Command string

const (
	CommandSet    Command = "set"
	CommandGet    Command = "get"
	CommandHSet   Command = "hset"
	CommandHGet   Command = "hget"
	CommandMSet   Command = "mset"
	CommandCustom Command = "custom"
)

// RampMode identifies how the rate controller grows current_qps toward end_qps.
type RampMode string

const (
	RampLinear      RampMode = "linear"
	RampExponential RampMode = "exponential"
)

// Config is the root configuration for a benchmark run. It is built once at
// process start (from an optional YAML file plus CLI overrides) and is
// never mutated afterward; workers receive a per-worker copy (see Plan).
type Config struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	PoolSize   int `yaml:"poolSize" json:"poolSize"`     // P: connections per worker
	NumThreads int `yaml:"numThreads" json:"numThreads"` // M: cooperative tasks per worker

	TotalRequests int64   `yaml:"totalRequests" json:"totalRequests"` // N_total across all workers
	DataSize      int     `yaml:"dataSize" json:"dataSize"`
	Command       Command `yaml:"command" json:"command"`

	RequestTimeoutMS int  `yaml:"requestTimeoutMs,omitempty" json:"requestTimeoutMs,omitempty"`
	UseTLS           bool `yaml:"useTls,omitempty" json:"useTls,omitempty"`
	IsCluster        bool `yaml:"isCluster,omitempty" json:"isCluster,omitempty"`
	ReadFromReplica  bool `yaml:"readFromReplica,omitempty" json:"readFromReplica,omitempty"`

	RandomKeyspace        int64 `yaml:"randomKeyspace,omitempty" json:"randomKeyspace,omitempty"`
	SequentialKeyspaceLen int64 `yaml:"sequentialKeyspaceLen,omitempty" json:"sequentialKeyspaceLen,omitempty"`
	SequentialRandomStart bool  `yaml:"sequentialRandomStart,omitempty" json:"sequentialRandomStart,omitempty"`

	TestDurationSec int `yaml:"testDurationSec,omitempty" json:"testDurationSec,omitempty"`

	QPS               float64  `yaml:"qps,omitempty" json:"qps,omitempty"`
	StartQPS          float64  `yaml:"startQps,omitempty" json:"startQps,omitempty"`
	EndQPS            float64  `yaml:"endQps,omitempty" json:"endQps,omitempty"`
	QPSChangeInterval float64  `yaml:"qpsChangeInterval,omitempty" json:"qpsChangeInterval,omitempty"`
	QPSChange         float64  `yaml:"qpsChange,omitempty" json:"qpsChange,omitempty"`
	QPSRampMode       RampMode `yaml:"qpsRampMode,omitempty" json:"qpsRampMode,omitempty"`
	QPSRampFactor     float64  `yaml:"qpsRampFactor,omitempty" json:"qpsRampFactor,omitempty"`

	CSVIntervalSec int `yaml:"csvIntervalSec,omitempty" json:"csvIntervalSec,omitempty"` // 0 = human mode
	NumProcesses   int `yaml:"numProcesses,omitempty" json:"numProcesses,omitempty"`

	CustomCommandFile string `yaml:"customCommandFile,omitempty" json:"customCommandFile,omitempty"`
	CustomCommandArgs string `yaml:"customCommandArgs,omitempty" json:"customCommandArgs,omitempty"`

	PrometheusAddr string `yaml:"prometheusAddr,omitempty" json:"prometheusAddr,omitempty"`
}

// Default returns a Config populated with the flag table's defaults (§6.1).
func Default() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          6379,
		PoolSize:      50,
		NumThreads:    1,
		TotalRequests: 100000,
		DataSize:      3,
		Command:       CommandSet,
		QPSRampMode:   RampLinear,
		NumProcesses:  0, // 0 means "auto" until ParseProcesses runs
	}
}

// LoadFromFile loads a YAML configuration file and layers it on the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML bytes on top of Default().
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// ParseProcesses interprets the --processes flag value: "auto" resolves to
// runtime.NumCPU(); otherwise it must be a positive integer.
func ParseProcesses(raw string) (int, error) {
	if raw == "" || raw == "auto" {
		return runtime.NumCPU(), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: --processes must be \"auto\" or a positive integer, got %q", ErrInvalidConfig, raw)
	}
	return n, nil
}

// Validate checks invariants that must hold before any worker launches (§7
// configuration errors, §6.1 validation errors).
func (c *Config) Validate() error {
	switch c.Command {
	case CommandSet, CommandGet, CommandHSet, CommandHGet, CommandMSet:
	case CommandCustom:
		if c.CustomCommandFile == "" {
			return fmt.Errorf("%w: -t custom requires --custom-command-file", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidConfig, c.Command)
	}

	if c.SequentialRandomStart && c.SequentialKeyspaceLen <= 0 {
		return fmt.Errorf("%w: --sequential-random-start requires --sequential", ErrInvalidConfig)
	}

	if c.SequentialKeyspaceLen > 0 && c.TestDurationSec > 0 {
		return fmt.Errorf("%w: --sequential and --test-duration are mutually exclusive", ErrInvalidConfig)
	}

	if c.QPSRampMode == RampExponential && (c.StartQPS > 0 || c.EndQPS > 0) && c.QPSRampFactor <= 0 {
		return fmt.Errorf("%w: --qps-ramp-mode exponential requires --qps-ramp-factor > 0", ErrInvalidConfig)
	}

	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: --clients must be positive", ErrInvalidConfig)
	}
	if c.NumThreads <= 0 {
		return fmt.Errorf("%w: --threads must be positive", ErrInvalidConfig)
	}

	return nil
}

// Worker is the per-worker configuration planned by the orchestrator (§4.4).
// It embeds Config and carries the worker's identity and its share of the
// global request/QPS budget.
type Worker struct {
	Config
	WorkerID      int
	NumProcesses  int
	TotalRequests int64 // this worker's share of TotalRequests
}

// Plan splits a base Config across n worker processes per §4.4: total
// requests are distributed with remainder given to the first
// (TotalRequests mod n) workers; qps/start_qps/end_qps are divided by n
// (integer division); pool_size and num_threads are per-worker capacities
// and are NOT divided.
func Plan(base Config, n int) []Worker {
	workers := make([]Worker, n)
	share := base.TotalRequests / int64(n)
	remainder := base.TotalRequests % int64(n)

	for i := 0; i < n; i++ {
		w := Worker{Config: base, WorkerID: i, NumProcesses: n}
		w.TotalRequests = share
		if int64(i) < remainder {
			w.TotalRequests++
		}
		if base.QPS > 0 {
			w.QPS = divideQPS(base.QPS, n)
		}
		if base.StartQPS > 0 {
			w.StartQPS = divideQPS(base.StartQPS, n)
		}
		if base.EndQPS > 0 {
			w.EndQPS = divideQPS(base.EndQPS, n)
		}
		workers[i] = w
	}
	return workers
}

func divideQPS(qps float64, n int) float64 {
	return float64(int64(qps) / int64(n))
}

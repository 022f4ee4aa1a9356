package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/valkey-loadgen/internal/config"
	"github.com/example/valkey-loadgen/internal/ipc"
	"github.com/example/valkey-loadgen/internal/report"
	"github.com/example/valkey-loadgen/internal/sample"
)

func TestDecodeWorkerConfig_MissingEnv(t *testing.T) {
	os.Unsetenv(EnvWorkerConfig)
	_, err := DecodeWorkerConfig()
	require.Error(t, err)
}

func TestDecodeWorkerConfig_RoundTrip(t *testing.T) {
	want := config.Worker{Config: config.Config{Host: "127.0.0.1", Port: 6379}, WorkerID: 3}
	data, err := json.Marshal(want)
	require.NoError(t, err)
	t.Setenv(EnvWorkerConfig, string(data))

	got, err := DecodeWorkerConfig()
	require.NoError(t, err)
	assert.Equal(t, want.WorkerID, got.WorkerID)
	assert.Equal(t, want.Host, got.Host)
}

func TestEmitCSVRow_WritesHeaderOnceThenRows(t *testing.T) {
	var buf bytes.Buffer
	o := New(config.Config{CSVIntervalSec: 1}, 1, "", report.NewConsole(io.Discard, false), &buf, nil)

	headerPrinted := false
	pending := map[int]sample.Flushed{
		0: {Requests: 5, Duration: time.Second, LatenciesMs: []float64{1, 2, 3}},
	}
	o.emitCSVRow(pending, time.Now(), &headerPrinted)
	o.emitCSVRow(pending, time.Now(), &headerPrinted)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3) // header + 2 rows
	assert.Equal(t, sample.CSVHeader, lines[0])
}

func TestEmitCSVRow_NoWriterIsNoop(t *testing.T) {
	o := New(config.Config{}, 1, "", report.NewConsole(io.Discard, false), nil, nil)
	headerPrinted := false
	o.emitCSVRow(map[int]sample.Flushed{0: {Requests: 1}}, time.Now(), &headerPrinted)
	assert.False(t, headerPrinted)
}

func TestBuildSummary_MergesFinals(t *testing.T) {
	o := New(config.Config{}, 1, "", report.NewConsole(io.Discard, false), nil, nil)
	finals := []sample.Flushed{
		{Requests: 10, Errors: 1, LatenciesMs: []float64{1, 2}},
		{Requests: 20, Errors: 0, LatenciesMs: []float64{3}},
	}
	summary := o.buildSummary(finals, time.Now().Add(-time.Second))
	assert.Equal(t, int64(30), summary.TotalRequests)
	assert.Equal(t, int64(1), summary.TotalErrors)
	assert.ElementsMatch(t, []float64{1, 2, 3}, summary.LatenciesMs)
}

func TestAggregate_ReturnsSummaryWhenChannelCloses(t *testing.T) {
	o := New(config.Config{}, 1, "", report.NewConsole(io.Discard, false), nil, nil)

	msgCh := make(chan ipc.Message, 4)
	msgCh <- ipc.Message{Kind: ipc.KindFinal, WorkerID: 0, Flushed: sample.Flushed{Requests: 10, LatenciesMs: []float64{1, 2, 3}}}
	close(msgCh)

	sigCh := make(chan os.Signal)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	summary := o.aggregate(ctx, cancel, msgCh, sigCh, nil, 1, time.Now())
	assert.Equal(t, int64(10), summary.TotalRequests)
	assert.ElementsMatch(t, []float64{1, 2, 3}, summary.LatenciesMs)
}

func TestAggregate_FeedsExporterFromRealRequestOutcomes(t *testing.T) {
	exporter := report.NewExporter()
	o := New(config.Config{}, 1, "", report.NewConsole(io.Discard, false), nil, exporter)

	msgCh := make(chan ipc.Message, 4)
	msgCh <- ipc.Message{Kind: ipc.KindProgress, WorkerID: 0, Flushed: sample.Flushed{
		LatenciesMs: []float64{1, 2},
		Errors:      3,
		Moved:       1,
		ClusterDown: 1,
		Disconnects: 1,
	}}
	close(msgCh)

	sigCh := make(chan os.Signal)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.aggregate(ctx, cancel, msgCh, sigCh, nil, 1, time.Now())

	families, err := exporter.Gather()
	require.NoError(t, err)

	var requestsTotal, disconnects *dto.MetricFamily
	for _, f := range families {
		switch f.GetName() {
		case "loadgen_requests_total":
			requestsTotal = f
		case "loadgen_client_disconnects_total":
			disconnects = f
		}
	}
	require.NotNil(t, requestsTotal)
	require.NotNil(t, disconnects)

	counts := map[string]float64{}
	for _, m := range requestsTotal.Metric {
		for _, l := range m.Label {
			if l.GetName() == "result" {
				counts[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, counts["ok"])
	assert.Equal(t, 1.0, counts["moved"])
	assert.Equal(t, 1.0, counts["clusterdown"])
	assert.Equal(t, 1.0, counts["error"]) // 3 errors total, minus 1 moved, minus 1 clusterdown
	assert.Equal(t, 1.0, disconnects.Metric[0].GetCounter().GetValue())
}

func TestAggregate_FlushesPendingCSVOnClose(t *testing.T) {
	var buf bytes.Buffer
	o := New(config.Config{CSVIntervalSec: 60}, 2, "", report.NewConsole(io.Discard, false), &buf, nil)

	msgCh := make(chan ipc.Message, 4)
	msgCh <- ipc.Message{Kind: ipc.KindCSVInterval, WorkerID: 0, Flushed: sample.Flushed{Requests: 5, Duration: time.Second}}
	close(msgCh)

	sigCh := make(chan os.Signal)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.aggregate(ctx, cancel, msgCh, sigCh, nil, 2, time.Now())
	assert.Contains(t, buf.String(), sample.CSVHeader)
}

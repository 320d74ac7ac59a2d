package tracking

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := &LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, s.Log(context.Background(), 4, map[string]float64{"test_acc_32": 72.5, "train_loss_4": 0.25}))

	out := buf.String()
	assert.Contains(t, out, `"epoch":4`)
	assert.Contains(t, out, `"test_acc_32":72.5`)
	assert.Contains(t, out, `"train_loss_4":0.25`)
}

func TestInfluxSinkWritesLineProtocol(t *testing.T) {
	var (
		mu    sync.Mutex
		body  string
		query string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, query = string(b), r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "t", Org: "lab", Bucket: "runs"}, "r1", "multibit")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Log(context.Background(), 3, map[string]float64{"test_acc_32": 72.5}))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasPrefix(body, DefaultMeasurement+","), body)
	assert.Contains(t, body, "run=r1")
	assert.Contains(t, body, "project=multibit")
	assert.Contains(t, body, "epoch=3i")
	assert.Contains(t, body, "test_acc_32=72.5")
	assert.Contains(t, query, "bucket=runs")
	assert.Contains(t, query, "org=lab")
}

func TestInfluxSinkReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"internal error","message":"down"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewInfluxSink(InfluxConfig{URL: srv.URL, Org: "lab", Bucket: "runs"}, "r1", "p")
	require.NoError(t, err)
	defer s.Close()
	assert.Error(t, s.Log(context.Background(), 0, map[string]float64{"x": 1}))

	_, err = NewInfluxSink(InfluxConfig{Org: "lab", Bucket: "runs"}, "r1", "p")
	assert.Error(t, err)
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg, "r1")

	require.NoError(t, s.Log(context.Background(), 2, map[string]float64{"test_acc_32": 72.5, "test_loss_32": 0.8}))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.epoch.WithLabelValues("r1")))
	assert.Equal(t, 72.5, testutil.ToFloat64(s.metric.WithLabelValues("r1", "test_acc_32")))
	assert.Equal(t, 2, testutil.CollectAndCount(s.metric, "multibit_epoch_metric"))
}

type fakeSink struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSink) Log(context.Context, int, map[string]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func TestMultiWritesEverySink(t *testing.T) {
	boom := errors.New("boom")
	ok, bad := &fakeSink{}, &fakeSink{err: boom}
	m := NewMulti(ok, nil, bad)
	require.Len(t, m.Sinks, 2)

	err := m.Log(context.Background(), 1, map[string]float64{"a": 1})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, bad.calls)

	bad.err = nil
	assert.NoError(t, m.Log(context.Background(), 2, nil))
}

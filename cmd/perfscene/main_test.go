package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/improvstage/internal/app"
	"github.com/ent0n29/improvstage/internal/config"
)

func TestStreamURL(t *testing.T) {
	got, err := streamURL("https://stage.example/api/", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://stage.example/api/v1/sessions/abc/stream", got)

	_, err = streamURL("ftp://x", "abc")
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	var lat []time.Duration
	for i := 1; i <= 20; i++ {
		lat = append(lat, time.Duration(i)*time.Millisecond)
	}
	p50, p95, max := summarize(lat)
	assert.Equal(t, 11*time.Millisecond, p50)
	assert.Equal(t, 19*time.Millisecond, p95)
	assert.Equal(t, 20*time.Millisecond, max)

	p50, _, _ = summarize(nil)
	assert.Zero(t, p50)
}

func TestSplitTexts(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitTexts(" a | | b "))
	assert.Equal(t, defaultLines, splitTexts(""))
}

func TestRunPlaysFullScene(t *testing.T) {
	cfg := config.Defaults()
	cfg.StoreBackend = "memory"
	cfg.RuntimeMode = "mock"
	cfg.FreeTurnsPerMinute = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	built, err := app.Build(context.Background(), cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = built.Cleanup() })

	ts := httptest.NewServer(built.API.Router())
	defer ts.Close()

	var progress bytes.Buffer
	rep, err := run(context.Background(), options{
		baseURL:     ts.URL,
		userID:      "perf",
		location:    "a pirate ship",
		turns:       15,
		turnTimeout: 10 * time.Second,
		texts:       defaultLines,
		verbose:     true,
	}, &progress)
	require.NoError(t, err)
	assert.Len(t, rep.Latencies, 15)
	assert.True(t, rep.Coached, "coach feedback arrives on the final turn")
	assert.Contains(t, progress.String(), "turn 15/15 phase=2")
}

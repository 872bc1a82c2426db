package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/control"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/media"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startServer(t *testing.T, mutate func(*Config)) (*Server, string) {
	t.Helper()
	cfg := Config{
		Port:          freePort(t),
		RecordingsDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
}

func TestServerStartStop(t *testing.T) {
	s, base := startServer(t, nil)

	require.NotNil(t, s.Addr())
	require.Error(t, s.Start(), "second start must be refused")

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.Nil(t, s.Addr())
	require.NoError(t, s.Stop(ctx), "stop is idempotent")

	_, err = http.Get(base + "/healthz")
	require.Error(t, err, "listener must be gone after stop")
}

func TestServerServesMetrics(t *testing.T) {
	_, base := startServer(t, nil)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStopDrainsSessions(t *testing.T) {
	s, base := startServer(t, nil)

	resp, err := http.Post(base+"/api/session/create", "application/json", nil)
	require.NoError(t, err)
	var created createResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	wsURL := fmt.Sprintf("ws%s/?sid=%s&role=listener&t=%s",
		base[len("http"):], created.SessionID, created.Token)
	listener, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer listener.Close()

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := listener.ReadMessage()
	require.NoError(t, err)
	okFrame, err := control.Decode(data)
	require.NoError(t, err)
	require.Equal(t, control.TypeOK, okFrame.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	// The listener saw the shutdown notice before its socket closed.
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err = listener.ReadMessage()
	require.NoError(t, err)
	ended, err := control.Decode(data)
	require.NoError(t, err)
	require.Equal(t, control.TypeSessionEnded, ended.Type)
	require.Equal(t, control.ReasonShutdown, ended.Reason)

	require.Zero(t, s.registry.Count())

	recs := s.catalog.List()
	require.Len(t, recs, 1)
	require.Equal(t, created.SessionID, recs[0].SessionID)
	require.Equal(t, control.ReasonShutdown, recs[0].Reason)
}

func TestServerRehydratesCatalogOnStart(t *testing.T) {
	dir := t.TempDir()
	name := media.RecordingFileName("0a1b2c3d", time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("previous-run"), 0o644))

	s, base := startServer(t, func(cfg *Config) { cfg.RecordingsDir = dir })

	rec, ok := s.catalog.Get(name)
	require.True(t, ok)
	require.Equal(t, "0a1b2c3d", rec.SessionID)
	require.EqualValues(t, len("previous-run"), rec.Size)

	resp, err := http.Get(base + "/api/recordings")
	require.NoError(t, err)
	defer resp.Body.Close()
	var listed recordingsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Recordings, 1)
	require.Equal(t, name, listed.Recordings[0].File)
}

func TestServerStoppedSessionLandsInCatalog(t *testing.T) {
	s, base := startServer(t, nil)

	resp, err := http.Post(base+"/api/session/create", "application/json", nil)
	require.NoError(t, err)
	var created createResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	resp, err = http.Post(base+"/api/session/"+created.SessionID+"/stop", "application/json", nil)
	require.NoError(t, err)
	var stopped stopResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stopped))
	resp.Body.Close()
	require.True(t, stopped.OK)

	rec, ok := s.catalog.Get(stopped.Recording)
	require.True(t, ok)
	require.Equal(t, created.SessionID, rec.SessionID)
	require.Equal(t, control.ReasonStoppedByBroadcaster, rec.Reason)
	require.Zero(t, rec.Size, "no audio was broadcast")
}

func TestServerInvalidConfigRejected(t *testing.T) {
	_, err := New(Config{Port: 99999})
	require.Error(t, err)

	_, err = New(Config{
		RecordingsDir: t.TempDir(),
		Retention: RetentionConfig{
			Enabled:  true,
			Schedule: "every other tuesday",
		},
	})
	require.Error(t, err, "janitor schedule must parse at construction")
}

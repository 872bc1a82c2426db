package integration

// End-to-end broadcast relay scenarios driven over real HTTP and WebSocket
// connections: a server is started on a loopback port, sessions are minted
// through the REST API and peers attach through the upgrade gate exactly the
// way browsers do.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/control"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/media"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/server"
)

type createdSession struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ListenURL string `json:"listenUrl"`
	ExpiresAt int64  `json:"expiresAt"`
}

type stopResult struct {
	OK        bool   `json:"ok"`
	Recording string `json:"recording"`
}

type recordingsList struct {
	Recordings []media.Recording `json:"recordings"`
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// startBroadcastServer boots a full server on a loopback port and returns it
// with its host:port address.
func startBroadcastServer(t *testing.T, mutate func(*server.Config)) (*server.Server, string) {
	t.Helper()
	cfg := server.Config{
		Port:          freePort(t),
		RecordingsDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := server.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, fmt.Sprintf("127.0.0.1:%d", cfg.Port)
}

func createSession(t *testing.T, addr string) createdSession {
	t.Helper()
	resp, err := http.Post("http://"+addr+"/api/session/create", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created createdSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created
}

func stopSession(t *testing.T, addr, sessionID string) stopResult {
	t.Helper()
	resp, err := http.Post("http://"+addr+"/api/session/"+sessionID+"/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stopped stopResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stopped))
	return stopped
}

func listRecordings(t *testing.T, addr string) []media.Recording {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/api/recordings")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed recordingsList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	return listed.Recordings
}

func downloadRecording(t *testing.T, addr, file string) []byte {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/api/recording/" + file)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func broadcasterQuery(c createdSession) string {
	return "?sid=" + c.SessionID + "&role=broadcaster"
}

func listenerQuery(c createdSession) string {
	return "?sid=" + c.SessionID + "&role=listener&t=" + c.Token
}

func dialPeer(t *testing.T, addr, query string) (*websocket.Conn, error) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/"+query, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if ws != nil {
		t.Cleanup(func() { _ = ws.Close() })
	}
	return ws, err
}

func mustDialPeer(t *testing.T, addr, query string) *websocket.Conn {
	t.Helper()
	ws, err := dialPeer(t, addr, query)
	require.NoError(t, err)
	return ws
}

func readControl(t *testing.T, ws *websocket.Conn) control.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	f, err := control.Decode(data)
	require.NoError(t, err)
	return f
}

func readBinary(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	return data
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) *websocket.CloseError {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, code, ce.Code)
	return ce
}

func sendChunk(t *testing.T, ws *websocket.Conn, chunk []byte) {
	t.Helper()
	require.NoError(t, ws.SetWriteDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, chunk))
}

// waitForInitSegment blocks until the broadcaster's first chunk has been
// cached server-side, so a listener attached afterwards is a late joiner.
func waitForInitSegment(t *testing.T, srv *server.Server, sessionID string, size int) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess := srv.Registry().Get(sessionID)
		return sess != nil && sess.InitSegmentSize() == size
	}, 3*time.Second, 5*time.Millisecond)
}

// TestBroadcastHappyPath walks the whole lifecycle: create a session, attach
// a broadcaster, stream two chunks, attach a listener between them, stop via
// the API and download the recording.
func TestBroadcastHappyPath(t *testing.T) {
	srv, addr := startBroadcastServer(t, nil)
	created := createSession(t, addr)

	broadcaster := mustDialPeer(t, addr, broadcasterQuery(created))
	counted := readControl(t, broadcaster)
	require.Equal(t, control.TypeListenerCount, counted.Type)
	require.Zero(t, counted.Count)

	b1 := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x42, 0x86, 0x81, 0x01}
	sendChunk(t, broadcaster, b1)
	waitForInitSegment(t, srv, created.SessionID, len(b1))

	listener := mustDialPeer(t, addr, listenerQuery(created))
	ok := readControl(t, listener)
	require.Equal(t, control.TypeOK, ok.Type)
	require.Equal(t, created.SessionID, ok.SessionID)
	require.Equal(t, control.TypeBroadcastStarted, readControl(t, listener).Type)
	announce := readControl(t, listener)
	require.Equal(t, control.TypeInitSegment, announce.Type)
	require.Equal(t, len(b1), announce.Size)
	require.Equal(t, b1, readBinary(t, listener))

	counted = readControl(t, broadcaster)
	require.Equal(t, control.TypeListenerCount, counted.Type)
	require.Equal(t, 1, counted.Count)

	b2 := []byte{0xA3, 0x01, 0x02, 0x03, 0x04}
	sendChunk(t, broadcaster, b2)
	require.Equal(t, b2, readBinary(t, listener))

	stopped := stopSession(t, addr, created.SessionID)
	require.True(t, stopped.OK)
	sid, _, archived, nameOK := media.ParseRecordingName(stopped.Recording)
	require.True(t, nameOK)
	require.Equal(t, created.SessionID, sid)
	require.False(t, archived)

	ended := readControl(t, listener)
	require.Equal(t, control.TypeSessionEnded, ended.Type)
	require.Equal(t, control.ReasonStoppedByBroadcaster, ended.Reason)
	expectClose(t, listener, websocket.CloseNormalClosure)

	ce := expectClose(t, broadcaster, websocket.CloseNormalClosure)
	require.Equal(t, control.ReasonStoppedByBroadcaster, ce.Text)

	recorded := downloadRecording(t, addr, stopped.Recording)
	require.Equal(t, append(append([]byte{}, b1...), b2...), recorded)
}

// TestLateJoinerBootstrap verifies a listener joining mid-broadcast receives
// the cached init segment and the next live chunk, but none of the chunks it
// missed.
func TestLateJoinerBootstrap(t *testing.T) {
	srv, addr := startBroadcastServer(t, nil)
	created := createSession(t, addr)

	broadcaster := mustDialPeer(t, addr, broadcasterQuery(created))
	require.Equal(t, control.TypeListenerCount, readControl(t, broadcaster).Type)

	b1 := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x10}
	b2 := []byte{0xA3, 0x20}
	b3 := []byte{0xA3, 0x30}
	for _, chunk := range [][]byte{b1, b2, b3} {
		sendChunk(t, broadcaster, chunk)
	}

	// All three chunks are through the relay once they reach the recording.
	total := uint64(len(b1) + len(b2) + len(b3))
	require.Eventually(t, func() bool {
		sess := srv.Registry().Get(created.SessionID)
		return sess != nil && sess.BytesRecorded() == total
	}, 3*time.Second, 10*time.Millisecond)

	late := mustDialPeer(t, addr, listenerQuery(created))
	require.Equal(t, control.TypeOK, readControl(t, late).Type)
	require.Equal(t, control.TypeBroadcastStarted, readControl(t, late).Type)
	announce := readControl(t, late)
	require.Equal(t, control.TypeInitSegment, announce.Type)
	require.Equal(t, len(b1), announce.Size)
	require.Equal(t, b1, readBinary(t, late))

	// The next frame is the next live chunk: b2 and b3 are gone for good.
	b4 := []byte{0xA3, 0x40}
	sendChunk(t, broadcaster, b4)
	require.Equal(t, b4, readBinary(t, late))
}

// TestFanOutToMultipleListeners attaches three listeners and verifies every
// one of them receives the same chunk sequence.
func TestFanOutToMultipleListeners(t *testing.T) {
	_, addr := startBroadcastServer(t, nil)
	created := createSession(t, addr)

	listeners := make([]*websocket.Conn, 3)
	for i := range listeners {
		listeners[i] = mustDialPeer(t, addr, listenerQuery(created))
		require.Equal(t, control.TypeOK, readControl(t, listeners[i]).Type)
	}

	broadcaster := mustDialPeer(t, addr, broadcasterQuery(created))
	counted := readControl(t, broadcaster)
	require.Equal(t, control.TypeListenerCount, counted.Type)
	require.Equal(t, 3, counted.Count)

	// Every listener is told the broadcast started.
	for _, l := range listeners {
		require.Equal(t, control.TypeBroadcastStarted, readControl(t, l).Type)
	}

	chunks := [][]byte{
		{0x1A, 0x45, 0xDF, 0xA3, 0x99},
		{0xA3, 0xAA},
		{0xA3, 0xBB, 0xCC},
	}
	for _, chunk := range chunks {
		sendChunk(t, broadcaster, chunk)
	}

	for i, l := range listeners {
		for j, want := range chunks {
			require.Equal(t, want, readBinary(t, l), "listener %d chunk %d", i, j)
		}
	}
}

// TestBroadcasterCrashEndsSession kills the broadcaster socket without a
// close handshake and verifies listeners are notified, the recording is
// flushed and the session is reclaimed.
func TestBroadcasterCrashEndsSession(t *testing.T) {
	srv, addr := startBroadcastServer(t, nil)
	created := createSession(t, addr)

	broadcaster := mustDialPeer(t, addr, broadcasterQuery(created))
	require.Equal(t, control.TypeListenerCount, readControl(t, broadcaster).Type)

	b1 := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x55, 0x66}
	sendChunk(t, broadcaster, b1)
	waitForInitSegment(t, srv, created.SessionID, len(b1))

	listener := mustDialPeer(t, addr, listenerQuery(created))
	require.Equal(t, control.TypeOK, readControl(t, listener).Type)
	require.Equal(t, control.TypeBroadcastStarted, readControl(t, listener).Type)
	require.Equal(t, control.TypeInitSegment, readControl(t, listener).Type)
	require.Equal(t, b1, readBinary(t, listener))

	// Abrupt TCP close, no WebSocket close frame.
	require.NoError(t, broadcaster.Close())

	ended := readControl(t, listener)
	require.Equal(t, control.TypeSessionEnded, ended.Type)
	require.Equal(t, control.ReasonBroadcasterDisconnected, ended.Reason)
	expectClose(t, listener, websocket.CloseNormalClosure)

	require.Eventually(t, func() bool {
		return srv.Registry().Get(created.SessionID) == nil
	}, 3*time.Second, 10*time.Millisecond)

	// The partial recording was flushed and catalogued.
	var recs []media.Recording
	require.Eventually(t, func() bool {
		recs = listRecordings(t, addr)
		return len(recs) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, created.SessionID, recs[0].SessionID)
	require.Equal(t, control.ReasonBroadcasterDisconnected, recs[0].Reason)
	require.Equal(t, b1, downloadRecording(t, addr, recs[0].File))
}

// TestStopWithoutBroadcaster stops a session nobody ever streamed into: the
// recording exists, is empty and the session leaves the registry.
func TestStopWithoutBroadcaster(t *testing.T) {
	srv, addr := startBroadcastServer(t, nil)
	created := createSession(t, addr)

	stopped := stopSession(t, addr, created.SessionID)
	require.True(t, stopped.OK)
	require.Nil(t, srv.Registry().Get(created.SessionID))

	require.Empty(t, downloadRecording(t, addr, stopped.Recording))

	recs := listRecordings(t, addr)
	require.Len(t, recs, 1)
	require.Zero(t, recs[0].Size)
	require.Equal(t, control.ReasonStoppedByBroadcaster, recs[0].Reason)
}

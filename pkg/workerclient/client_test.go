package workerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrun/taskrun/pkg/wire"
)

// fakeServer accepts one session over plain websocket and exposes the frames
// the client sent plus the live connection for pushing server frames.
type fakeServer struct {
	srv    *httptest.Server
	frames chan *wire.ClientMessage
	conns  chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		frames: make(chan *wire.ClientMessage, 64),
		conns:  make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wire.ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			f.frames <- &msg
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func (f *fakeServer) next(t *testing.T) *wire.ClientMessage {
	t.Helper()
	select {
	case m := <-f.frames:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from client")
		return nil
	}
}

func (f *fakeServer) send(t *testing.T, conn *websocket.Conn, msg *wire.ServerMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func testInfo() wire.WorkerInfo {
	return wire.WorkerInfo{
		WorkerID: "w1",
		Hostname: "testhost",
		Version:  "0.1.0",
		Agents:   []wire.AgentSpec{{Name: "echo"}},
	}
}

func newTestClient(t *testing.T, f *fakeServer, interval time.Duration, handlers Handlers) *Client {
	t.Helper()
	client, err := New(Config{
		ServerURL:         f.url(),
		Info:              testInfo(),
		HeartbeatInterval: interval,
		MaxConcurrentRuns: 4,
	}, handlers)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Info: testInfo()}, Handlers{})
	require.Error(t, err)

	_, err = New(Config{ServerURL: "ws://localhost"}, Handlers{})
	require.Error(t, err)
}

func TestSessionURL(t *testing.T) {
	got, err := sessionURL("wss://host:8443")
	require.NoError(t, err)
	assert.Equal(t, "wss://host:8443/v1/session", got.String())

	got, err = sessionURL("ws://host/custom")
	require.NoError(t, err)
	assert.Equal(t, "ws://host/custom", got.String())

	_, err = sessionURL("http://host")
	require.Error(t, err)
}

func TestClient_HelloFirst(t *testing.T) {
	f := newFakeServer(t)
	client := newTestClient(t, f, time.Minute, Handlers{})
	assert.True(t, client.IsConnected())

	msg := f.next(t)
	require.Equal(t, wire.ClientTypeHello, msg.Type)

	var hello wire.WorkerHello
	require.NoError(t, msg.ParsePayload(&hello))
	require.NotNil(t, hello.Info)
	assert.Equal(t, "w1", hello.Info.WorkerID)
	assert.Equal(t, "testhost", hello.Info.Hostname)
	require.Len(t, hello.Info.Agents, 1)
	assert.Equal(t, "echo", hello.Info.Agents[0].Name)
}

func TestClient_HeartbeatLoop(t *testing.T) {
	f := newFakeServer(t)
	newTestClient(t, f, 20*time.Millisecond, Handlers{})

	require.Equal(t, wire.ClientTypeHello, f.next(t).Type)

	msg := f.next(t)
	require.Equal(t, wire.ClientTypeHeartbeat, msg.Type)

	var hb wire.WorkerHeartbeat
	require.NoError(t, msg.ParsePayload(&hb))
	assert.Equal(t, "w1", hb.WorkerID)
	assert.Equal(t, wire.WorkerIdle, hb.Status)
	assert.Equal(t, uint32(4), hb.MaxConcurrentRuns)
	assert.NotZero(t, hb.TimestampMS)
}

func TestClient_SetLoadPushesHeartbeat(t *testing.T) {
	f := newFakeServer(t)
	client := newTestClient(t, f, time.Minute, Handlers{})
	require.Equal(t, wire.ClientTypeHello, f.next(t).Type)

	require.NoError(t, client.SetLoad(wire.WorkerBusy, 2))

	msg := f.next(t)
	require.Equal(t, wire.ClientTypeHeartbeat, msg.Type)
	var hb wire.WorkerHeartbeat
	require.NoError(t, msg.ParsePayload(&hb))
	assert.Equal(t, wire.WorkerBusy, hb.Status)
	assert.Equal(t, uint32(2), hb.ActiveRuns)

	require.Error(t, client.SetLoad(wire.WorkerStatus("bogus"), 0))
}

func TestClient_SendHelpers(t *testing.T) {
	f := newFakeServer(t)
	client := newTestClient(t, f, time.Minute, Handlers{})
	require.Equal(t, wire.ClientTypeHello, f.next(t).Type)

	require.NoError(t, client.SendStatusUpdate("r1", wire.RunRunning, "", nil))
	msg := f.next(t)
	require.Equal(t, wire.ClientTypeStatusUpdate, msg.Type)
	var su wire.RunStatusUpdate
	require.NoError(t, msg.ParsePayload(&su))
	assert.Equal(t, "r1", su.RunID)
	assert.Equal(t, wire.RunRunning, su.Status)

	require.NoError(t, client.SendOutputChunk("r1", 7, "partial", false))
	msg = f.next(t)
	require.Equal(t, wire.ClientTypeOutputChunk, msg.Type)
	var oc wire.RunOutputChunk
	require.NoError(t, msg.ParsePayload(&oc))
	assert.Equal(t, uint64(7), oc.Seq)
	assert.Equal(t, "partial", oc.Content)
	assert.False(t, oc.IsFinal)

	require.NoError(t, client.SendEvent("r1", "t1", wire.EventToolRequested, map[string]string{"tool": "search"}))
	msg = f.next(t)
	require.Equal(t, wire.ClientTypeEvent, msg.Type)
	var ev wire.RunEvent
	require.NoError(t, msg.ParsePayload(&ev))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "t1", ev.TaskID)
	assert.Equal(t, wire.EventToolRequested, ev.EventType)
	assert.Equal(t, "search", ev.Metadata["tool"])

	require.NoError(t, client.SendChat("r1", wire.RoleAssistant, "done"))
	msg = f.next(t)
	require.Equal(t, wire.ClientTypeChatMessage, msg.Type)
	var rc wire.RunChatMessage
	require.NoError(t, msg.ParsePayload(&rc))
	assert.Equal(t, "r1", rc.RunID)
	assert.Equal(t, wire.RoleAssistant, rc.Message.Role)
	assert.Equal(t, "done", rc.Message.Content)
}

func TestClient_DispatchesServerFrames(t *testing.T) {
	assigns := make(chan wire.RunAssignment, 1)
	cancels := make(chan wire.CancelRun, 1)
	continues := make(chan wire.ContinueRun, 1)

	f := newFakeServer(t)
	newTestClient(t, f, time.Minute, Handlers{
		OnAssign:   func(a wire.RunAssignment) { assigns <- a },
		OnCancel:   func(c wire.CancelRun) { cancels <- c },
		OnContinue: func(c wire.ContinueRun) { continues <- c },
	})
	require.Equal(t, wire.ClientTypeHello, f.next(t).Type)
	conn := f.conn(t)

	assign, err := wire.NewRunAssignment(wire.RunAssignment{
		RunID: "r1", TaskID: "t1", AgentName: "echo", InputJSON: `{"q":1}`, IssuedAtMS: wire.NowMS(),
	})
	require.NoError(t, err)
	f.send(t, conn, assign)

	select {
	case a := <-assigns:
		assert.Equal(t, "r1", a.RunID)
		assert.Equal(t, "echo", a.AgentName)
	case <-time.After(2 * time.Second):
		t.Fatal("assignment not dispatched")
	}

	cancel, err := wire.NewCancelRun("r1", "operator request")
	require.NoError(t, err)
	f.send(t, conn, cancel)
	select {
	case c := <-cancels:
		assert.Equal(t, "operator request", c.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel not dispatched")
	}

	cont, err := wire.NewContinueRun("r1", "and then?")
	require.NoError(t, err)
	f.send(t, conn, cont)
	select {
	case c := <-continues:
		assert.Equal(t, "and then?", c.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("continue not dispatched")
	}
}

func TestClient_DoneOnServerClose(t *testing.T) {
	f := newFakeServer(t)
	client := newTestClient(t, f, time.Minute, Handlers{})
	require.Equal(t, wire.ClientTypeHello, f.next(t).Type)

	f.conn(t).Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done not closed after server hangup")
	}
	assert.False(t, client.IsConnected())
	assert.ErrorIs(t, client.SendChat("r1", wire.RoleAssistant, "late"), ErrNotConnected)
}

func TestClient_CloseIdempotent(t *testing.T) {
	f := newFakeServer(t)
	client := newTestClient(t, f, time.Minute, Handlers{})
	require.Equal(t, wire.ClientTypeHello, f.next(t).Type)

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
}

package websocket_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/model"
	"github.com/clipmix/api/internal/websocket"
)

func startHub(t *testing.T) *websocket.Hub {
	t.Helper()
	hub := websocket.NewHub(log.Noop)
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func subscribe(t *testing.T, hub *websocket.Hub, taskID string) *websocket.Client {
	t.Helper()
	c := &websocket.Client{TaskID: taskID, Send: make(chan []byte, 8)}
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.Subscribers(taskID) > 0 }, time.Second, 5*time.Millisecond)
	return c
}

func receive(t *testing.T, c *websocket.Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHubBroadcastsOnlyToTaskSubscribers(t *testing.T) {
	hub := startHub(t)
	a := subscribe(t, hub, "task-a")
	b := subscribe(t, hub, "task-b")

	hub.TaskProgress("task-a", 3, 6, "h01_b03_x_y.mp4", false)

	msg := receive(t, a)
	assert.Equal(t, model.WSMessageTypeProgress, msg["type"])
	assert.Equal(t, "task-a", msg["taskId"])
	assert.EqualValues(t, 3, msg["completed"])
	assert.EqualValues(t, 6, msg["total"])
	assert.EqualValues(t, 50, msg["progress"])

	select {
	case <-b.Send:
		t.Fatal("subscriber of another task got the message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubTerminalMessages(t *testing.T) {
	hub := startHub(t)
	c := subscribe(t, hub, "t1")

	hub.TaskDone(&model.Task{ID: "t1", Status: model.TaskStatusDone, DownloadURL: "/results/t1.zip", Success: 2, Total: 2})
	done := receive(t, c)
	assert.Equal(t, model.WSMessageTypeComplete, done["type"])
	result := done["result"].(map[string]any)
	assert.Equal(t, "/results/t1.zip", result["downloadUrl"])

	hub.TaskFailed("t1", "TASK_FAILED", "archive failed")
	failed := receive(t, c)
	assert.Equal(t, model.WSMessageTypeError, failed["type"])
	assert.Equal(t, "archive failed", failed["error"].(map[string]any)["message"])
}

func TestHubUnregisterClosesSendChannel(t *testing.T) {
	hub := startHub(t)
	c := subscribe(t, hub, "t1")

	hub.Unregister(c)

	require.Eventually(t, func() bool { return hub.Subscribers("t1") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-c.Send
	assert.False(t, ok)
}

func TestHubStopClosesSubscribers(t *testing.T) {
	hub := websocket.NewHub(nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run()
		close(stopped)
	}()
	c := subscribe(t, hub, "t1")

	hub.Stop()
	hub.Stop()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	_, ok := <-c.Send
	assert.False(t, ok)

	// Broadcasting after stop must not block.
	hub.TaskProgress("t1", 1, 1, "", false)
}

type fakeConn struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeErr  error

	mu       sync.Mutex
	written  []int
	released bool
	late     int
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 4), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-f.incoming:
		if ok {
			return 1, msg, nil
		}
	case <-f.closed:
	}
	return 0, nil, errors.New("connection closed")
}

func (f *fakeConn) WriteMessage(messageType int, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		f.late++
	}
	f.written = append(f.written, messageType)
	return f.writeErr
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// release marks the point after which the connection belongs to someone else.
func (f *fakeConn) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

func (f *fakeConn) writes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.written...)
}

func serve(hub *websocket.Hub, conn *fakeConn, taskID string) <-chan struct{} {
	served := make(chan struct{})
	go func() {
		hub.Serve(conn, taskID)
		conn.release()
		close(served)
	}()
	return served
}

func waitServed(t *testing.T, served <-chan struct{}) {
	t.Helper()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("connection handler did not return")
	}
}

func TestServeDoesNotWriteAfterReturning(t *testing.T) {
	tests := map[string]struct {
		stopHubFirst bool
	}{
		"a peer leaving a running hub": {},
		"a peer leaving a stopped hub": {stopHubFirst: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			hub := startHub(t)
			if test.stopHubFirst {
				hub.Stop()
			}
			conn := newFakeConn()
			served := serve(hub, conn, "t1")

			if !test.stopHubFirst {
				require.Eventually(t, func() bool { return hub.Subscribers("t1") == 1 }, time.Second, 5*time.Millisecond)
			}
			conn.incoming <- []byte(`{"type":"ping"}`)
			require.Eventually(t, func() bool { return len(conn.writes()) >= 1 }, time.Second, 5*time.Millisecond)

			close(conn.incoming)
			waitServed(t, served)

			// Give a leaked writer the chance to misbehave.
			hub.TaskProgress("t1", 1, 1, "", false)
			time.Sleep(50 * time.Millisecond)

			conn.mu.Lock()
			defer conn.mu.Unlock()
			assert.Zero(t, conn.late)
			assert.Equal(t, 0, hub.Subscribers("t1"))
		})
	}
}

func TestServeEndsWhenWritesFail(t *testing.T) {
	hub := startHub(t)
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	served := serve(hub, conn, "t1")

	require.Eventually(t, func() bool { return hub.Subscribers("t1") == 1 }, time.Second, 5*time.Millisecond)
	hub.TaskProgress("t1", 1, 2, "out.mp4", false)

	waitServed(t, served)
	assert.Equal(t, 0, hub.Subscribers("t1"))
}

package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/model"
)

// Client represents a WebSocket subscriber of one task
type Client struct {
	TaskID string
	Conn   Conn
	Send   chan []byte

	// pong is owned by the connection and never closed
	pong chan struct{}
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by task ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	stopOnce   sync.Once

	logger log.Logger
	mu     sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	TaskID  string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger log.Logger) *Hub {
	if logger == nil {
		logger = log.Noop
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     logger.WithValues(log.Kv{"svc": "websocket.Hub"}),
	}
}

// Run starts the hub's main loop. It returns after Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for taskID, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, taskID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.TaskID] == nil {
				h.clients[client.TaskID] = make(map[*Client]bool)
			}
			h.clients[client.TaskID][client] = true
			h.mu.Unlock()
			h.logger.Debugf("Client registered for task %s", client.TaskID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debugf("Client unregistered from task %s", client.TaskID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.TaskID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove drops the client and closes its send channel. Callers hold mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.TaskID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.TaskID)
	}
}

// Stop ends the main loop and closes every subscriber.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Subscribers returns how many clients follow the task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[taskID])
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) send(taskID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorf("Failed to marshal %T: %v", msg, err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{TaskID: taskID, Message: data}:
	case <-h.done:
	default:
		h.logger.Warningf("Broadcast queue full, dropping message for task %s", taskID)
	}
}

// TaskProgress sends a progress update to all task subscribers
func (h *Hub) TaskProgress(taskID string, completed, total int, output string, failed bool) {
	progress := 0
	if total > 0 {
		progress = completed * 100 / total
	}
	h.send(taskID, model.WSProgressMessage{
		Type:      model.WSMessageTypeProgress,
		TaskID:    taskID,
		Status:    model.TaskStatusProcessing,
		Completed: completed,
		Total:     total,
		Progress:  progress,
		Output:    output,
		Failed:    failed,
	})
}

// TaskDone sends a completion message to all task subscribers
func (h *Hub) TaskDone(task *model.Task) {
	h.send(task.ID, model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		TaskID: task.ID,
		Result: model.NewTaskStatusResponse(task),
	})
}

// TaskFailed sends an error message to all task subscribers
func (h *Hub) TaskFailed(taskID, code, message string) {
	h.send(taskID, model.WSErrorMessage{
		Type:   model.WSMessageTypeError,
		TaskID: taskID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

// Conn is the part of a WebSocket connection the hub uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, taskID string) {
	h.Serve(c, taskID)
}

// Serve subscribes conn to the task until the peer goes away. It returns only
// after the writer stopped, so conn is not touched once Serve returned.
func (h *Hub) Serve(c Conn, taskID string) {
	client := &Client{
		TaskID: taskID,
		Conn:   c,
		Send:   make(chan []byte, 256),
		pong:   make(chan struct{}, 1),
	}

	h.Register(client)

	quit := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// A failed write must also end the reader.
		defer c.Close()
		h.writePump(c, client, quit)
	}()

	defer func() {
		h.Unregister(client)
		close(quit)
		<-writerDone
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warningf("WebSocket error: %v", err)
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case client.pong <- struct{}{}:
			default:
			}
		}
	}
}

// writePump returns once Send or quit is closed, or a write fails.
func (h *Hub) writePump(c Conn, client *Client, quit <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(messageType int, data []byte) error {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		return c.WriteMessage(messageType, data)
	}

	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				_ = write(websocket.CloseMessage, []byte{})
				return
			}
			if err := write(websocket.TextMessage, message); err != nil {
				return
			}

		case <-quit:
			_ = write(websocket.CloseMessage, []byte{})
			return

		case <-client.pong:
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			if err := write(websocket.TextMessage, pong); err != nil {
				return
			}

		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

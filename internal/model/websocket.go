package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage is sent after every settled combination
type WSProgressMessage struct {
	Type      string     `json:"type"`
	TaskID    string     `json:"taskId"`
	Status    TaskStatus `json:"status"`
	Completed int        `json:"completed"`
	Total     int        `json:"total"`
	Progress  int        `json:"progress"`
	Output    string     `json:"output,omitempty"`
	Failed    bool       `json:"failed,omitempty"`
}

// WSCompleteMessage is sent when a task reaches done
type WSCompleteMessage struct {
	Type   string              `json:"type"`
	TaskID string              `json:"taskId"`
	Result *TaskStatusResponse `json:"result"`
}

// WSErrorMessage is sent when a task reaches error
type WSErrorMessage struct {
	Type   string  `json:"type"`
	TaskID string  `json:"taskId"`
	Error  WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package models

// ClientCommand is a JSON text frame sent by a client.
type ClientCommand struct {
	Cmd  string  `json:"cmd"`
	URL  string  `json:"url,omitempty"`
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
	DY   float64 `json:"dy,omitempty"`
	Text string  `json:"text,omitempty"`
}

// Server -> client control message types.
const (
	TypeConnected  = "connected"
	TypeError      = "error"
	TypeStatus     = "status"
	TypeNavigation = "navigation"
)

// ServerMessage is a JSON text frame sent to a client. Frames travel as
// binary messages with no envelope.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	BrowserID string `json:"browserId,omitempty"`
	Message   string `json:"message,omitempty"`
	Loading   *bool  `json:"loading,omitempty"`
	Reason    string `json:"reason,omitempty"`
	URL       string `json:"url,omitempty"`
}

func Connected(sessionID, browserID string) ServerMessage {
	return ServerMessage{Type: TypeConnected, SessionID: sessionID, BrowserID: browserID}
}

func Error(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message}
}

func Status(loading bool, reason, message string) ServerMessage {
	return ServerMessage{Type: TypeStatus, Loading: &loading, Reason: reason, Message: message}
}

func Navigation(loading bool, message, url string) ServerMessage {
	return ServerMessage{Type: TypeNavigation, Loading: &loading, Message: message, URL: url}
}

// HealthStatus is the overall service verdict.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// SignalLevel classifies a single health signal.
type SignalLevel string

const (
	LevelHealthy  SignalLevel = "healthy"
	LevelWarning  SignalLevel = "warning"
	LevelCritical SignalLevel = "critical"
)

type Signal struct {
	Level   SignalLevel `json:"level"`
	Value   float64     `json:"value"`
	Message string      `json:"message,omitempty"`
}

type SessionCounts struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

type QueueStats struct {
	Depth   int    `json:"depth"`
	Max     int    `json:"max"`
	Dropped uint64 `json:"dropped"`
}

package models

import "time"

// SessionStats counts what happened on one client connection.
type SessionStats struct {
	CommandsSent  uint64 `json:"commandsSent"`
	FramesSent    uint64 `json:"framesSent"`
	Errors        uint64 `json:"errors"`
	DroppedFrames uint64 `json:"droppedFrames"`
}

// FPSState is the adaptive frame rate of a session.
type FPSState struct {
	Current int  `json:"current"`
	Min     int  `json:"min"`
	Max     int  `json:"max"`
	Idle    bool `json:"idle"`
}

// SessionInfo is the REST view of a connected session
type SessionInfo struct {
	ID           string       `json:"id"`
	BrowserID    string       `json:"browserId,omitempty"`
	WorkerID     string       `json:"workerId,omitempty"`
	RemoteAddr   string       `json:"remoteAddr,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActivity time.Time    `json:"lastActivity"`
	Processing   bool         `json:"processing"`
	Stats        SessionStats `json:"stats"`
	FPS          FPSState     `json:"fps"`
}

// Package protocol defines the messages exchanged between the supervisor and
// an execution worker. Every request carries a correlation id that the
// worker echoes on its response.
package protocol

// Op is a supervisor -> worker operation.
type Op string

const (
	OpCreateBrowser Op = "createBrowser"
	OpCloseBrowser  Op = "closeBrowser"
	OpExecute       Op = "execute"
	OpCaptureFrame  Op = "captureFrame"
	OpShutdown      Op = "shutdown"
)

// CommandKind mirrors the client's "cmd" field.
type CommandKind string

const (
	CmdNavigate   CommandKind = "nav"
	CmdClick      CommandKind = "click"
	CmdScroll     CommandKind = "scroll"
	CmdType       CommandKind = "type"
	CmdScreenshot CommandKind = "requestScreenshot"
	CmdBack       CommandKind = "back"
	CmdForward    CommandKind = "forward"
	CmdRefresh    CommandKind = "refresh"
)

// Valid reports whether k is a command the worker understands.
func (k CommandKind) Valid() bool {
	switch k {
	case CmdNavigate, CmdClick, CmdScroll, CmdType, CmdScreenshot, CmdBack, CmdForward, CmdRefresh:
		return true
	}
	return false
}

// Navigates reports whether k changes the loaded document.
func (k CommandKind) Navigates() bool {
	switch k {
	case CmdNavigate, CmdBack, CmdForward, CmdRefresh:
		return true
	}
	return false
}

// Command is one browser action.
type Command struct {
	Kind CommandKind `json:"cmd"`
	URL  string      `json:"url,omitempty"`
	X    float64     `json:"x,omitempty"`
	Y    float64     `json:"y,omitempty"`
	DY   float64     `json:"dy,omitempty"`
	Text string      `json:"text,omitempty"`
}

// Request is sent from the supervisor to a worker.
type Request struct {
	ID          string   `json:"id"`
	Op          Op       `json:"op"`
	BrowserID   string   `json:"browserId,omitempty"`
	SessionHint string   `json:"sessionHint,omitempty"`
	Command     *Command `json:"command,omitempty"`
}

// MessageType classifies worker -> supervisor messages.
type MessageType string

const (
	MsgReady         MessageType = "ready"
	MsgResponse      MessageType = "response"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgBrowserClosed MessageType = "browserClosed"
)

// Error codes reported by workers.
const (
	CodeBrowserNotFound = "browser_not_found"
	CodeCapacity        = "capacity"
	CodeBadRequest      = "bad_request"
	CodeCommandFailed   = "command_failed"
)

// Skip reasons for frame captures that produced no image.
const (
	SkipNavigating = "navigating"
	SkipNotReady   = "not_ready"
	SkipTimeout    = "timeout"
)

// Message is sent from a worker to the supervisor.
type Message struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	WorkerID  string      `json:"workerId,omitempty"`
	BrowserID string      `json:"browserId,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Result    *Result     `json:"result,omitempty"`
	Heartbeat *Heartbeat  `json:"heartbeat,omitempty"`
}

// Result is the outcome of a command or frame capture. Frame is base64 on
// the wire via encoding/json.
type Result struct {
	Frame   []byte `json:"frame,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Loading bool   `json:"loading,omitempty"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

// Heartbeat is the periodic load report of a worker.
type Heartbeat struct {
	Browsers        int     `json:"browsers"`
	Capacity        int     `json:"capacity"`
	Load            float64 `json:"load"`
	CommandsHandled uint64  `json:"commandsHandled"`
	FramesGenerated uint64  `json:"framesGenerated"`
	Errors          uint64  `json:"errors"`
}

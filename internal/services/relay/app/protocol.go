package server

// Message types carried in text frames.
const (
	msgHostRegister = "host-register"
	msgInit         = "init"
	msgDone         = "done"
	msgControl      = "control"
	msgPaused       = "paused"
	msgResumed      = "resumed"
	msgStopped      = "stopped"
	msgError        = "error"

	msgRegistered = "registered"
	msgStart      = "start"
	msgOffset     = "offset"
	msgComplete   = "complete"
	msgAck        = "ack"
)

// Control actions a sender may forward to its host.
const (
	actionPause  = "pause"
	actionResume = "resume"
	actionStop   = "stop"
)

func validControlAction(action string) bool {
	switch action {
	case actionPause, actionResume, actionStop:
		return true
	default:
		return false
	}
}

// inboundMessage is the union of every client text frame.
type inboundMessage struct {
	Type       string  `json:"type"`
	Token      string  `json:"token,omitempty"`
	Code       string  `json:"code,omitempty"`
	TransferID string  `json:"transferId,omitempty"`
	Filename   *string `json:"filename,omitempty"`
	TotalSize  int64   `json:"totalSize,omitempty"`
	Action     string  `json:"action,omitempty"`
	Message    string  `json:"message,omitempty"`
}

type registeredMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type startMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"totalSize"`
}

type offsetMessage struct {
	Type   string `json:"type"`
	Offset int64  `json:"offset"`
}

// hostCompleteMessage always carries filename, null when the sender omitted it.
type hostCompleteMessage struct {
	Type       string  `json:"type"`
	TransferID string  `json:"transferId"`
	Filename   *string `json:"filename"`
}

type completeMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

type controlMessage struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	TransferID string `json:"transferId,omitempty"`
}

type ackMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

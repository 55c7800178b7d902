package protocol

// Event type constants for the ops feed.
const (
	TypePairingOpened        = "pairing.opened"
	TypePairingClosed        = "pairing.closed"
	TypeReverseConnectFailed = "reverse_connect.failed"
	TypeCommandRejected      = "command.rejected"
	TypeTransferStarted      = "transfer.started"
	TypeTransferFinished     = "transfer.finished"
)

// PairingOpened is published once a control connection and its reverse data
// connection are both registered.
type PairingOpened struct {
	Pairing string `json:"pairing"`
	Remote  string `json:"remote"`
	Control int    `json:"control_fd"`
	Data    int    `json:"data_fd"`
}

// PairingClosed is published when the control half of a pairing is closed.
type PairingClosed struct {
	Pairing string `json:"pairing"`
	Remote  string `json:"remote"`
	Reason  string `json:"reason"`
}

// ReverseConnectFailed is published when the server cannot reach a client's
// data port; the control connection is dropped.
type ReverseConnectFailed struct {
	Remote string `json:"remote"`
	Error  string `json:"error"`
}

// CommandRejected is published for control frames that were not acted on.
type CommandRejected struct {
	Pairing string `json:"pairing"`
	Reason  string `json:"reason"`
	Raw     string `json:"raw,omitempty"`
}

// TransferStarted is published when a command binds the data channel.
type TransferStarted struct {
	Transfer  string `json:"transfer"`
	Pairing   string `json:"pairing"`
	Direction string `json:"direction"`
	Path      string `json:"path"`
}

// TransferFinished is published when the data channel of a transfer closes.
type TransferFinished struct {
	Transfer   string `json:"transfer"`
	Pairing    string `json:"pairing"`
	Direction  string `json:"direction"`
	Path       string `json:"path"`
	Bytes      int64  `json:"bytes"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

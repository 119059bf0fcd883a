package signal

import "github.com/goccy/go-json"

// Subprotocol is the websocket subprotocol spoken by clients.
const Subprotocol = "protoo"

// inboundMessage covers the three protoo message shapes a client may send.
type inboundMessage struct {
	Request      bool            `json:"request"`
	Response     bool            `json:"response"`
	Notification bool            `json:"notification"`
	ID           uint32          `json:"id"`
	Method       string          `json:"method"`
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data"`
	ErrorCode    int             `json:"errorCode"`
	ErrorReason  string          `json:"errorReason"`
}

type requestMessage struct {
	Request bool   `json:"request"`
	ID      uint32 `json:"id"`
	Method  string `json:"method"`
	Data    any    `json:"data"`
}

type notificationMessage struct {
	Notification bool   `json:"notification"`
	Method       string `json:"method"`
	Data         any    `json:"data"`
}

type responseMessage struct {
	Response    bool   `json:"response"`
	ID          uint32 `json:"id"`
	OK          bool   `json:"ok"`
	Data        any    `json:"data,omitempty"`
	ErrorCode   int    `json:"errorCode,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// reply is what a pending outbound request receives.
type reply struct {
	ok     bool
	data   []byte
	code   int
	reason string
}

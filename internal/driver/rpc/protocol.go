package rpc

import "encoding/json"

// request is an outgoing JSON-RPC 2.0 request, newline-delimited on the
// subprocess's stdin.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// envelope is an incoming line: either a response (ID set, Result or Error
// present) or a notification (Method set, no ID).
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// isResponse reports whether the envelope answers a pending request.
func (e *envelope) isResponse() bool {
	return e.ID != nil && (e.Result != nil || e.Error != nil)
}

// rpcError is the JSON-RPC error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

// Notification payloads. The agent process streams these as it works; they
// are translated into runtime events.

type messageStartParams struct {
	Model string `json:"model,omitempty"`
}

type contentBlockParams struct {
	Index int    `json:"index,omitempty"`
	Text  string `json:"text,omitempty"`
}

type toolUseParams struct {
	ToolID string          `json:"toolId"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type toolResultParams struct {
	ToolID  string `json:"toolId"`
	IsError bool   `json:"isError,omitempty"`
	Content string `json:"content,omitempty"`
}

type fileOpParams struct {
	Path string `json:"path"`
}

type messageStopParams struct {
	StopReason string `json:"stopReason,omitempty"`
	Content    string `json:"content,omitempty"`
	Usage      struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	} `json:"usage"`
}

type errorParams struct {
	Message string `json:"message"`
}

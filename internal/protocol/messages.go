// Package protocol defines the messages exchanged between the server, the
// workers and clients, and the segment and work types they carry.
package protocol

// Acknowledge answers every message that starts background work.
type Acknowledge struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ClientJoined is sent once by a worker when it starts.
type ClientJoined struct {
	Address    string `json:"address"`
	FreeMemory int64  `json:"free_memory"`
	// HealthAddress is the worker's gRPC health endpoint, if it serves one.
	HealthAddress string `json:"health_address,omitempty"`
}

// PollOpenModel asks the server to open a model; repeated with an
// increasing attempt counter until the result is ready.
type PollOpenModel struct {
	ModelID string `json:"model_id"`
	Attempt int    `json:"attempt"`
}

type OpenModelResult struct {
	ModelID string `json:"model_id"`
	Ready   bool   `json:"ready"`
	Error   string `json:"error,omitempty"`
}

// SessionStarted carries a new session id. Queries sent with the same id
// continue the same KV cache.
type SessionStarted struct {
	SessionID string `json:"session_id"`
}

type QueryRequest struct {
	ModelID   string `json:"model_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	TopK      int    `json:"top_k"`
	MaxLength int    `json:"max_length"`
}

type QueryAccepted struct {
	QueryID string `json:"query_id"`
}

type PollQueryResult struct {
	QueryID string `json:"query_id"`
	Attempt int    `json:"attempt"`
}

type QueryResult struct {
	QueryID string `json:"query_id"`
	Tokens  []int  `json:"tokens"`
	Text    string `json:"text"`
	Ready   bool   `json:"ready"`
	Error   string `json:"error,omitempty"`
}

// LoadModelRequest tells a worker to materialize one segment. Completion is
// reported back with ModelLoaded.
type LoadModelRequest struct {
	TaskID    string      `json:"task_id"`
	ModelID   string      `json:"model_id"`
	ModelPath string      `json:"model_path"`
	Segment   WorkSegment `json:"segment"`
}

type ModelLoaded struct {
	ModelID string `json:"model_id"`
	TaskID  string `json:"task_id"`
	Error   string `json:"error,omitempty"`
}

// WorkRequest runs one token step through one segment.
type WorkRequest struct {
	WorkID   string      `json:"work_id"`
	ModelID  string      `json:"model_id"`
	Input    WorkInput   `json:"input"`
	Segment  WorkSegment `json:"segment"`
	Position int         `json:"position"`
	TopK     int         `json:"top_k"`
	// InputOnly marks a prompt token whose output is not needed.
	InputOnly bool `json:"input_only"`
	// ClearSession drops the segment's KV caches before running.
	ClearSession bool `json:"clear_session"`
}

type WorkResult struct {
	WorkID string     `json:"work_id"`
	Output WorkOutput `json:"output"`
}

package receiver

import (
	"encoding/json"
	"io"
	"sync"
)

// Status values of the JSON lines the receiver prints for an orchestrating process.
const (
	StatusPolling    = "polling"
	StatusWaiting    = "waiting"
	StatusReady      = "ready"
	StatusDecrypting = "decrypting"
	StatusWroteFile  = "wrote_file"
	StatusError      = "error"
	StatusTimeout    = "timeout"
	StatusDone       = "done"
	StatusInstrument = "instrument"
)

// Status is one status line.
type Status struct {
	Status        string                 `json:"status"`
	Attempt       int                    `json:"attempt,omitempty"`
	MaxAttempts   int                    `json:"maxAttempts,omitempty"`
	ProviderCount int                    `json:"providerCount,omitempty"`
	ProviderIndex *int                   `json:"providerIndex,omitempty"`
	ChunkIndex    *int                   `json:"chunkIndex,omitempty"`
	TotalChunks   int                    `json:"totalChunks,omitempty"`
	Path          string                 `json:"path,omitempty"`
	Bytes         int64                  `json:"bytes,omitempty"`
	Files         []string               `json:"files,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Event         string                 `json:"event,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// StatusWriter prints one JSON object per line. A nil writer discards everything.
type StatusWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStatusWriter ...
func NewStatusWriter(w io.Writer) *StatusWriter {
	return &StatusWriter{enc: json.NewEncoder(w)}
}

// Write emits a line. Encoding errors are ignored, status output is best effort.
func (w *StatusWriter) Write(s Status) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(s)
}

func intPtr(v int) *int {
	return &v
}

// Polling ...
func (w *StatusWriter) Polling(attempt, maxAttempts int) {
	w.Write(Status{Status: StatusPolling, Attempt: attempt, MaxAttempts: maxAttempts})
}

// Waiting ...
func (w *StatusWriter) Waiting(attempt, providerCount int) {
	w.Write(Status{Status: StatusWaiting, Attempt: attempt, ProviderCount: providerCount})
}

// Ready ...
func (w *StatusWriter) Ready(providerCount int) {
	w.Write(Status{Status: StatusReady, ProviderCount: providerCount})
}

// Decrypting ...
func (w *StatusWriter) Decrypting(providerIndex, chunkIndex, totalChunks int) {
	w.Write(Status{
		Status:        StatusDecrypting,
		ProviderIndex: intPtr(providerIndex),
		ChunkIndex:    intPtr(chunkIndex),
		TotalChunks:   totalChunks,
	})
}

// WroteFile ...
func (w *StatusWriter) WroteFile(providerIndex int, path string, size int64) {
	w.Write(Status{Status: StatusWroteFile, ProviderIndex: intPtr(providerIndex), Path: path, Bytes: size})
}

// Error ...
func (w *StatusWriter) Error(err error) {
	w.Write(Status{Status: StatusError, Message: err.Error()})
}

// Timeout ...
func (w *StatusWriter) Timeout(attempts int, message string) {
	w.Write(Status{Status: StatusTimeout, Attempt: attempts, Message: message})
}

// Done ...
func (w *StatusWriter) Done(files []string) {
	w.Write(Status{Status: StatusDone, Files: files})
}

// Instrument ...
func (w *StatusWriter) Instrument(event string, data map[string]interface{}) {
	w.Write(Status{Status: StatusInstrument, Event: event, Data: data})
}

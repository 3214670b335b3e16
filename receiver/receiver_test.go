package receiver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/ehrlink/go-ehrtransfer/codec"
	"github.com/ehrlink/go-ehrtransfer/config"
	"github.com/ehrlink/go-ehrtransfer/e2ee"
	internaltesting "github.com/ehrlink/go-ehrtransfer/internal/testing"
	"github.com/ehrlink/go-ehrtransfer/network"
	"github.com/ehrlink/go-ehrtransfer/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	mu          sync.Mutex
	notReadyFor int32
	pollCount   int32
	providers   []payload.ProviderMeta
	chunks      map[string][]byte
	chunkStatus map[string]int
	chunkAuth   []string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{chunks: map[string][]byte{}, chunkStatus: map[string]int{}}
}

func chunkKey(providerIndex, chunkIndex int) string {
	return fmt.Sprintf("%d/%d", providerIndex, chunkIndex)
}

func (f *fakeRelay) addChunked(t *testing.T, providerIndex int, pub *ecdh.PublicKey, data interface{}, chunkSize int) {
	config := codec.DefaultEncryptorConfig()
	config.ChunkSize = chunkSize
	encrypted, err := codec.EncryptDataChunked(context.Background(), data, pub, config, nil, log.NewLogger())
	require.NoError(t, err)

	meta := payload.ProviderMeta{ProviderIndex: providerIndex, Version: payload.VersionChunked}
	// The relay reports chunks in arrival order, not index order
	for i := len(encrypted.Chunks) - 1; i >= 0; i-- {
		chunk := encrypted.Chunks[i]
		meta.Chunks = append(meta.Chunks, chunk.Meta())
		f.chunks[chunkKey(providerIndex, chunk.Index)] = chunk.Ciphertext
	}
	f.providers = append(f.providers, meta)
}

func (f *fakeRelay) addLegacy(t *testing.T, providerIndex int, pub *ecdh.PublicKey, plaintext []byte, version int) {
	legacy, err := codec.EncryptLegacy(pub, plaintext, version)
	require.NoError(t, err)
	f.providers = append(f.providers, payload.ProviderMeta{
		ProviderIndex: providerIndex,
		Version:       version,
		Chunks:        []payload.ChunkMeta{{Index: 0, EphemeralPublicKey: legacy.EphemeralPublicKey, IV: legacy.IV}},
	})
	f.chunks[chunkKey(providerIndex, 0)] = legacy.Ciphertext
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/poll/session-1"):
		count := atomic.AddInt32(&f.pollCount, 1)
		response := payload.ReadyResponse{ProviderCount: len(f.providers)}
		if count > atomic.LoadInt32(&f.notReadyFor) {
			response.Ready = true
			response.Providers = f.providers
		}
		_ = json.NewEncoder(w).Encode(response)
	case strings.HasPrefix(r.URL.Path, "/api/chunks/session-1/"):
		key := strings.TrimPrefix(r.URL.Path, "/api/chunks/session-1/")
		f.mu.Lock()
		f.chunkAuth = append(f.chunkAuth, r.Header.Get("Authorization"))
		status, hasStatus := f.chunkStatus[key]
		data, ok := f.chunks[key]
		f.mu.Unlock()
		if hasStatus {
			w.WriteHeader(status)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testReceiverConfig(t *testing.T, url string, key *ecdh.PrivateKey) config.ReceiverConfig {
	return config.ReceiverConfig{
		Environment:        config.Environment{APIBaseURL: url, APIToken: "api-token", ChunkSource: config.ChunkSourceHTTP},
		SessionID:          "session-1",
		PrivateKey:         e2ee.PrivateJWK(key),
		OutputDir:          filepath.Join(t.TempDir(), "out"),
		PrefetchChunks:     3,
		MaxAttempts:        3,
		PollTimeoutSeconds: 1,
		PollWait:           time.Millisecond,
		SpoolDir:           t.TempDir(),
		Instrument:         true,
		Retry:              network.RetryConfig{Attempts: 2, WaitMin: time.Millisecond, WaitMax: 2 * time.Millisecond, RequestTimeout: 5 * time.Second},
	}
}

func readStatusLines(t *testing.T, buf *bytes.Buffer) []Status {
	var lines []Status
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var s Status
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &s), scanner.Text())
		lines = append(lines, s)
	}
	return lines
}

func statusNames(lines []Status) []string {
	var names []string
	for _, l := range lines {
		if l.Status == StatusInstrument || l.Status == StatusDecrypting {
			continue
		}
		if len(names) > 0 && names[len(names)-1] == l.Status {
			continue
		}
		names = append(names, l.Status)
	}
	return names
}

func TestReceiver_Run_WritesEveryProvider(t *testing.T) {
	key, err := e2ee.GenerateKey()
	require.NoError(t, err)

	record := map[string]interface{}{
		"name": "Acme Clinic",
		"fhir": map[string]interface{}{
			"Patient":     []map[string]string{{"id": "123"}},
			"Observation": []map[string]string{{"id": "obs-1", "status": "final"}, {"id": "obs-2", "status": "amended"}},
		},
	}
	legacyV2 := []byte(`{"name":"Riverside Health","fhir":{}}`)
	legacyV1 := []byte(`{"name":"Lakeside Labs","fhir":{}}`)

	relay := newFakeRelay()
	relay.notReadyFor = 1
	relay.addLegacy(t, 2, key.PublicKey(), legacyV1, payload.VersionRaw)
	relay.addChunked(t, 0, key.PublicKey(), record, 16)
	relay.addLegacy(t, 1, key.PublicKey(), legacyV2, payload.VersionGzip)
	require.Greater(t, len(relay.providers[1].Chunks), 1)
	server := httptest.NewServer(relay)
	defer server.Close()

	cfg := testReceiverConfig(t, server.URL, key)
	var out bytes.Buffer
	r, err := NewFromConfig(context.Background(), cfg, NewStatusWriter(&out), log.NewLogger())
	require.NoError(t, err)

	var changes []StateChange
	r.OnStateChange = func(change StateChange) { changes = append(changes, change) }

	files, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{
		filepath.Join(cfg.OutputDir, "provider-0.json"),
		filepath.Join(cfg.OutputDir, "provider-1.json"),
		filepath.Join(cfg.OutputDir, "provider-2.json"),
	}, files)

	want, err := json.Marshal(record)
	require.NoError(t, err)
	for i, content := range [][]byte{want, legacyV2, legacyV1} {
		require.NoError(t, internaltesting.NewFileChecker(files[i]).IsFile().ModeEquals(0o600).NoPartialFile().Content(content).Check())
	}
	require.NoError(t, internaltesting.EmptyGlob(cfg.SpoolDir, "ehr-spool-*"))

	wantRequests := 0
	for _, provider := range relay.providers {
		wantRequests += len(provider.Chunks)
	}
	relay.mu.Lock()
	chunkAuth := append([]string(nil), relay.chunkAuth...)
	relay.mu.Unlock()
	require.Len(t, chunkAuth, wantRequests)
	for _, header := range chunkAuth {
		assert.Equal(t, "Bearer api-token", header)
	}

	lines := readStatusLines(t, &out)
	assert.Equal(t, []string{StatusPolling, StatusWaiting, StatusPolling, StatusReady, StatusWroteFile, StatusDone}, statusNames(lines))
	last := lines[len(lines)-1]
	assert.Equal(t, files, last.Files)

	var instrumentEvents []string
	for _, l := range lines {
		if l.Status == StatusInstrument {
			instrumentEvents = append(instrumentEvents, l.Event)
		}
	}
	assert.Contains(t, instrumentEvents, "poll_finished")
	assert.Contains(t, instrumentEvents, "chunk_consumed")
	assert.Contains(t, instrumentEvents, "provider_written")

	var legacyStates []ProviderState
	for _, c := range changes {
		if c.ProviderIndex == 2 {
			legacyStates = append(legacyStates, c.State)
		}
	}
	assert.Equal(t, []ProviderState{
		StatePending, StateDownloading, StateDecrypting, StateDecompressingFinal, StateWritten, StateCleanedUp,
	}, legacyStates)
}

func TestReceiver_Run_ChunkFailureLeavesNoPartialOutput(t *testing.T) {
	key, err := e2ee.GenerateKey()
	require.NoError(t, err)

	plaintext := make([]string, 200)
	for i := range plaintext {
		plaintext[i] = fmt.Sprintf("observation-%d-%d", i, i*7919)
	}
	relay := newFakeRelay()
	relay.addChunked(t, 0, key.PublicKey(), plaintext, 128)
	require.Greater(t, len(relay.providers[0].Chunks), 3)
	relay.chunkStatus[chunkKey(0, 2)] = http.StatusBadRequest
	server := httptest.NewServer(relay)
	defer server.Close()

	cfg := testReceiverConfig(t, server.URL, key)
	var out bytes.Buffer
	r, err := NewFromConfig(context.Background(), cfg, NewStatusWriter(&out), log.NewLogger())
	require.NoError(t, err)

	var states []ProviderState
	r.OnStateChange = func(change StateChange) { states = append(states, change.State) }

	files, err := r.Run(context.Background())

	var clientErr *network.ClientRequestError
	require.True(t, errors.As(err, &clientErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, clientErr.StatusCode)
	assert.Empty(t, files)
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "provider-0.json"))
	require.NoError(t, internaltesting.NewFileChecker(filepath.Join(cfg.OutputDir, "provider-0.json")).NoPartialFile().Check())
	require.NoError(t, internaltesting.EmptyGlob(cfg.SpoolDir, "ehr-spool-*"))

	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, StateError, states[len(states)-1])
	assert.Equal(t, StateDownloading, states[len(states)-2])

	lines := readStatusLines(t, &out)
	assert.Equal(t, StatusError, lines[len(lines)-1].Status)
}

func TestReceiver_Run_WrongKeyIsDecryptionError(t *testing.T) {
	key, err := e2ee.GenerateKey()
	require.NoError(t, err)
	other, err := e2ee.GenerateKey()
	require.NoError(t, err)

	relay := newFakeRelay()
	relay.addLegacy(t, 0, other.PublicKey(), []byte(`{"name":"Acme Clinic"}`), payload.VersionGzip)
	server := httptest.NewServer(relay)
	defer server.Close()

	cfg := testReceiverConfig(t, server.URL, key)
	r, err := NewFromConfig(context.Background(), cfg, nil, log.NewLogger())
	require.NoError(t, err)

	var states []ProviderState
	r.OnStateChange = func(change StateChange) { states = append(states, change.State) }

	_, err = r.Run(context.Background())

	var decryptErr *e2ee.DecryptionError
	require.True(t, errors.As(err, &decryptErr), "got %v", err)
	assert.Equal(t, []ProviderState{StatePending, StateDownloading, StateDecrypting, StateError}, states)
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "provider-0.json.partial"))
}

func TestReceiver_Run_NotReady(t *testing.T) {
	key, err := e2ee.GenerateKey()
	require.NoError(t, err)

	relay := newFakeRelay()
	relay.notReadyFor = 100
	server := httptest.NewServer(relay)
	defer server.Close()

	cfg := testReceiverConfig(t, server.URL, key)
	var out bytes.Buffer
	r, err := NewFromConfig(context.Background(), cfg, NewStatusWriter(&out), log.NewLogger())
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.ErrorIs(t, err, network.ErrNotReady)
	assert.Equal(t, int32(3), atomic.LoadInt32(&relay.pollCount))

	lines := readStatusLines(t, &out)
	last := lines[len(lines)-1]
	assert.Equal(t, StatusTimeout, last.Status)
	assert.Equal(t, 3, last.Attempt)
	require.NoError(t, internaltesting.EmptyGlob(cfg.SpoolDir, "ehr-spool-*"))
}

func TestReceiver_Run_InvalidProviderMetadata(t *testing.T) {
	key, err := e2ee.GenerateKey()
	require.NoError(t, err)

	relay := newFakeRelay()
	relay.providers = []payload.ProviderMeta{{ProviderIndex: 0, Version: payload.VersionChunked, Chunks: []payload.ChunkMeta{{Index: 0}, {Index: 2}}}}
	server := httptest.NewServer(relay)
	defer server.Close()

	r, err := NewFromConfig(context.Background(), testReceiverConfig(t, server.URL, key), nil, log.NewLogger())
	require.NoError(t, err)

	var states []ProviderState
	r.OnStateChange = func(change StateChange) { states = append(states, change.State) }

	_, err = r.Run(context.Background())
	var missing *payload.MissingChunkError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, 1, missing.Index)
	assert.Equal(t, []ProviderState{StatePending, StateError}, states)
}

func TestNewFromConfig_InvalidConfig(t *testing.T) {
	key, err := e2ee.GenerateKey()
	require.NoError(t, err)
	cfg := testReceiverConfig(t, "http://localhost", key)
	cfg.PrivateKey = cfg.PrivateKey.Public()

	_, err = NewFromConfig(context.Background(), cfg, nil, log.NewLogger())
	require.Error(t, err)
}

func TestProviderMachine(t *testing.T) {
	var changes []StateChange
	m := newProviderMachine(4, func(change StateChange) { changes = append(changes, change) })

	require.NoError(t, m.transition(StateDownloading, 0))
	require.NoError(t, m.transition(StateDecrypting, 0))
	require.NoError(t, m.transition(StateDownloading, 1))
	require.NoError(t, m.transition(StateDecrypting, 1))
	require.Error(t, m.transition(StateWritten, -1))
	require.NoError(t, m.transition(StateDecompressingFinal, -1))
	require.NoError(t, m.transition(StateWritten, -1))
	require.Error(t, m.transition(StateError, -1))
	require.NoError(t, m.transition(StateCleanedUp, -1))

	assert.Equal(t, StateCleanedUp, m.State())
	assert.Equal(t, StateChange{ProviderIndex: 4, State: StateDecrypting, ChunkIndex: 1}, changes[4])
	assert.Equal(t, "DECOMPRESSING_FINAL", StateDecompressingFinal.String())
}

func TestStatusWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewStatusWriter(&buf)
	w.Decrypting(0, 0, 3)
	w.WroteFile(1, "/out/provider-1.json", 42)

	assert.Equal(t,
		`{"status":"decrypting","providerIndex":0,"chunkIndex":0,"totalChunks":3}`+"\n"+
			`{"status":"wrote_file","providerIndex":1,"path":"/out/provider-1.json","bytes":42}`+"\n",
		buf.String())

	var nilWriter *StatusWriter
	nilWriter.Done(nil)
}

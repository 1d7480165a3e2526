package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// ReceivedEnvelope is one delivered chunk as seen by the ingestion mock.
type ReceivedEnvelope struct {
	SourceType      string            `json:"sourceType"`
	ExportID        string            `json:"exportId"`
	ExportTimestamp time.Time         `json:"exportTimestamp"`
	GroupID         string            `json:"groupId"`
	Data            []json.RawMessage `json:"data"`
}

// MockIngest is a message-ingestion endpoint that records every envelope it
// receives and can inject failure status codes.
type MockIngest struct {
	server *httptest.Server

	mu        sync.Mutex
	failures  []int
	envelopes []ReceivedEnvelope
	bodySizes []int
}

// NewMockIngest creates a recording ingestion server.
func NewMockIngest() *MockIngest {
	mock := &MockIngest{}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server base URL.
func (m *MockIngest) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockIngest) Close() {
	m.server.Close()
}

// Fail queues failure status codes; each delivery consumes one until the
// queue drains.
func (m *MockIngest) Fail(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, statuses...)
}

// Envelopes returns a copy of the envelopes received so far.
func (m *MockIngest) Envelopes() []ReceivedEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReceivedEnvelope(nil), m.envelopes...)
}

// BodySizes returns the serialized size of each received delivery.
func (m *MockIngest) BodySizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.bodySizes...)
}

func (m *MockIngest) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if len(m.failures) > 0 {
		status := m.failures[0]
		m.failures = m.failures[1:]
		m.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	m.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var env ReceivedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.envelopes = append(m.envelopes, env)
	m.bodySizes = append(m.bodySizes, len(body))
	m.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

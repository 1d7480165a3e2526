// Package testutil provides mock servers for exporter tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// MockDirectory is a configurable paginated directory API server. It serves
// users, groups, and per-group member collections in pages, and can inject
// failure status codes per path.
type MockDirectory struct {
	server *httptest.Server

	mu       sync.Mutex
	users    []json.RawMessage
	groups   []json.RawMessage
	members  map[string][]json.RawMessage
	failures map[string][]int
	pageSize int

	RequestCount int
	AuthHeaders  []string
}

// NewMockDirectory creates a mock directory serving pageSize records per page.
func NewMockDirectory(pageSize int) *MockDirectory {
	mock := &MockDirectory{
		members:  make(map[string][]json.RawMessage),
		failures: make(map[string][]int),
		pageSize: pageSize,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server base URL.
func (m *MockDirectory) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockDirectory) Close() {
	m.server.Close()
}

// SetUsers installs the user collection.
func (m *MockDirectory) SetUsers(records []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = records
}

// SetGroups installs the group collection.
func (m *MockDirectory) SetGroups(records []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = records
}

// SetMembers installs the member collection of one group.
func (m *MockDirectory) SetMembers(groupID string, records []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[groupID] = records
}

// FailPath queues failure status codes for a path. Each request to the path
// consumes one code until the queue drains, then normal serving resumes.
func (m *MockDirectory) FailPath(path string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = append(m.failures[path], statuses...)
}

// GetRequestCount returns the number of requests served.
func (m *MockDirectory) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

func (m *MockDirectory) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.AuthHeaders = append(m.AuthHeaders, r.Header.Get("Authorization"))

	if queue := m.failures[r.URL.Path]; len(queue) > 0 {
		status := queue[0]
		m.failures[r.URL.Path] = queue[1:]
		m.mu.Unlock()
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error": {"code": "%d"}}`, status)
		return
	}

	records := m.collection(r.URL.Path)
	m.mu.Unlock()

	skip := 0
	if v := r.URL.Query().Get("$skip"); v != "" {
		skip, _ = strconv.Atoi(v)
	}

	end := skip + m.pageSize
	if end > len(records) {
		end = len(records)
	}
	page := map[string]any{"value": records[skip:end]}
	if end < len(records) {
		next := *r.URL
		query := next.Query()
		query.Set("$skip", strconv.Itoa(end))
		next.RawQuery = query.Encode()
		page["@odata.nextLink"] = m.server.URL + next.String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

// collection resolves a request path to its record set. Caller holds the lock.
func (m *MockDirectory) collection(path string) []json.RawMessage {
	switch path {
	case "/users":
		return m.users
	case "/groups":
		return m.groups
	}
	// /groups/<id>/members
	var groupID string
	if _, err := fmt.Sscanf(path, "/groups/%s", &groupID); err == nil {
		if i := len(groupID) - len("/members"); i > 0 && groupID[i:] == "/members" {
			return m.members[groupID[:i]]
		}
	}
	return nil
}

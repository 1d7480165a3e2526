package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vexlio/directory-export/pkg/auth"
	"github.com/vexlio/directory-export/pkg/faults"
	"github.com/vexlio/directory-export/pkg/retry"
	"github.com/vexlio/directory-export/pkg/telemetry"
)

// fakeChannel records delivered bodies and serves a scripted error sequence.
type fakeChannel struct {
	sent   [][]byte
	script []error
	calls  int
}

func (c *fakeChannel) Send(ctx context.Context, body []byte) error {
	c.calls++
	if len(c.script) > 0 {
		err := c.script[0]
		c.script = c.script[1:]
		if err != nil {
			return err
		}
	}
	c.sent = append(c.sent, append([]byte(nil), body...))
	return nil
}

func newTestPublisher(t *testing.T, channel DeliveryChannel, cfg Config) *Publisher {
	t.Helper()

	executor := retry.NewExecutor(telemetry.NopObserver{}, zerolog.Nop())
	executor.SetSleep(func(context.Context, time.Duration) error { return nil })
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	}

	p, err := NewPublisher(channel, executor, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	return p
}

func testEnvelope(source string) Envelope {
	return Envelope{
		SourceType:      source,
		ExportID:        "run-1",
		ExportTimestamp: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestPublishWireBodyStaysUnderBound(t *testing.T) {
	channel := &fakeChannel{}
	p := newTestPublisher(t, channel, Config{MaxChunkBytes: 1000})

	// The two records fit a 1000-byte data array together, but the envelope
	// frame around the array would push the wire body over the bound. They
	// must be split rather than shipped as one oversized delivery.
	records := []json.RawMessage{rawRecord(470), rawRecord(470)}
	summary, err := p.Publish(context.Background(), testEnvelope(SourceUsers), records)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if summary.ChunksSent != 2 {
		t.Errorf("ChunksSent = %d, want 2", summary.ChunksSent)
	}

	delivered := 0
	for i, body := range channel.sent {
		if len(body) >= 1000 {
			t.Errorf("chunk %d wire body = %d bytes, exceeds the 1000 byte bound", i, len(body))
		}
		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			t.Fatalf("sent body is not an envelope: %v", err)
		}
		delivered += len(env.Data)
	}
	if delivered != 2 {
		t.Errorf("delivered records = %d, want 2", delivered)
	}
}

func TestPublishBoundTooSmallForFrame(t *testing.T) {
	p := newTestPublisher(t, &fakeChannel{}, Config{MaxChunkBytes: 50})

	_, err := p.Publish(context.Background(), testEnvelope(SourceUsers),
		[]json.RawMessage{rawRecord(20)})
	if err == nil {
		t.Fatal("expected error when the bound cannot hold the envelope frame")
	}
}

func TestPublishSingleChunk(t *testing.T) {
	channel := &fakeChannel{}
	p := newTestPublisher(t, channel, Config{MaxChunkBytes: 1024})

	records := []json.RawMessage{rawRecord(100), rawRecord(100)}
	summary, err := p.Publish(context.Background(), testEnvelope(SourceUsers), records)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !summary.Success || summary.ChunksSent != 1 || summary.Records != 2 {
		t.Errorf("summary = %+v, want 1 chunk, 2 records, success", summary)
	}

	var env Envelope
	if err := json.Unmarshal(channel.sent[0], &env); err != nil {
		t.Fatalf("sent body is not an envelope: %v", err)
	}
	if env.SourceType != SourceUsers || env.ExportID != "run-1" {
		t.Errorf("envelope = %+v", env)
	}
	if len(env.Data) != 2 {
		t.Errorf("data records = %d, want 2", len(env.Data))
	}
}

func TestPublishSplitsIntoChunks(t *testing.T) {
	channel := &fakeChannel{}
	p := newTestPublisher(t, channel, Config{MaxChunkBytes: 1000})

	records := []json.RawMessage{rawRecord(400), rawRecord(400), rawRecord(400)}
	summary, err := p.Publish(context.Background(), testEnvelope(SourceGroups), records)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if summary.ChunksSent != 2 || summary.ChunksTotal != 2 {
		t.Errorf("chunks = %d/%d, want 2/2", summary.ChunksSent, summary.ChunksTotal)
	}
}

func TestPublishRetriesTransientFailure(t *testing.T) {
	channel := &fakeChannel{script: []error{
		&faults.HTTPError{StatusCode: http.StatusServiceUnavailable, Status: "503"},
		nil,
	}}
	p := newTestPublisher(t, channel, Config{})

	summary, err := p.Publish(context.Background(), testEnvelope(SourceUsers),
		[]json.RawMessage{rawRecord(50)})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !summary.Success || channel.calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", channel.calls)
	}
}

func TestPublishAbortsOnTerminalFailure(t *testing.T) {
	// First chunk delivers, second exhausts retries. The first stays delivered.
	channel := &fakeChannel{script: []error{
		nil,
		&faults.HTTPError{StatusCode: http.StatusInternalServerError, Status: "500"},
		&faults.HTTPError{StatusCode: http.StatusInternalServerError, Status: "500"},
		&faults.HTTPError{StatusCode: http.StatusInternalServerError, Status: "500"},
	}}
	p := newTestPublisher(t, channel, Config{MaxChunkBytes: 1000})

	records := []json.RawMessage{rawRecord(400), rawRecord(400), rawRecord(400)}
	summary, err := p.Publish(context.Background(), testEnvelope(SourceUsers), records)

	var terminal *retry.TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalError, got %v", err)
	}
	if !terminal.Exhausted {
		t.Error("expected exhausted retries")
	}
	if summary.ChunksSent != 1 || summary.ChunksTotal != 2 {
		t.Errorf("chunks = %d/%d, want 1/2", summary.ChunksSent, summary.ChunksTotal)
	}
	if summary.Success {
		t.Error("summary must not report success")
	}
	if IsAuthRejected(err) {
		t.Error("server error must not read as credential rejection")
	}
}

func TestPublishAuthFailureEscalates(t *testing.T) {
	channel := &fakeChannel{script: []error{
		&faults.HTTPError{StatusCode: http.StatusUnauthorized, Status: "401"},
	}}
	p := newTestPublisher(t, channel, Config{})

	_, err := p.Publish(context.Background(), testEnvelope(SourceGroupMembers),
		[]json.RawMessage{rawRecord(50)})
	if !IsAuthRejected(err) {
		t.Fatalf("expected AuthRejectedError, got %v", err)
	}
	if channel.calls != 1 {
		t.Errorf("calls = %d, want 1 (auth failures are not retried)", channel.calls)
	}

	// The original fault stays reachable through the wrapper.
	var httpErr *faults.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("original fault lost: %v", err)
	}
}

func TestPublishEmptyRecordSet(t *testing.T) {
	channel := &fakeChannel{}
	p := newTestPublisher(t, channel, Config{})

	summary, err := p.Publish(context.Background(), testEnvelope(SourceUsers), nil)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !summary.Success || channel.calls != 0 {
		t.Errorf("empty set must succeed without delivery, calls = %d", channel.calls)
	}
}

func TestPublishOversizeReject(t *testing.T) {
	channel := &fakeChannel{}
	p := newTestPublisher(t, channel, Config{MaxChunkBytes: 1000, Oversize: OversizeReject})

	_, err := p.Publish(context.Background(), testEnvelope(SourceUsers),
		[]json.RawMessage{rawRecord(2000)})
	if !errors.Is(err, ErrOversizedRecord) {
		t.Fatalf("expected ErrOversizedRecord, got %v", err)
	}
	if channel.calls != 0 {
		t.Error("nothing may be delivered when chunking fails")
	}
}

func TestEventsChannelSend(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	channel, err := NewEventsChannel(ChannelConfig{
		Namespace: "exports.servicebus.example.net",
		Hub:       "directory-export",
		Resource:  "https://servicebus.example.net/",
	}, auth.Static{Token: "delivery-token"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventsChannel failed: %v", err)
	}
	channel.SetEndpoint(server.URL + "/directory-export/messages")

	if err := channel.Send(context.Background(), []byte(`{"sourceType":"users"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotAuth != "Bearer delivery-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if string(gotBody) != `{"sourceType":"users"}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestEventsChannelHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	channel, err := NewEventsChannel(ChannelConfig{
		Namespace: "exports.servicebus.example.net",
		Hub:       "directory-export",
		Resource:  "res",
	}, auth.Static{Token: "t"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventsChannel failed: %v", err)
	}
	channel.SetEndpoint(server.URL)

	err = channel.Send(context.Background(), []byte(`{}`))
	if got := faults.Classify(err); got != faults.CategoryRateLimit {
		t.Errorf("Classify = %q, want %q", got, faults.CategoryRateLimit)
	}
}

package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/channelpipe/internal/bucket"
	"github.com/livinlefevreloca/channelpipe/internal/channel"
)

// FakeSource is an in-memory channel.Source with scripted failures
type FakeSource struct {
	mu            sync.Mutex
	messages      map[string][]channel.Message
	attachments   map[string][]byte
	fetchErrs     []error
	downloadErrs  map[string][]error
	fetchCalls    int
	downloadCalls int
}

func NewFakeSource() *FakeSource {
	return &FakeSource{
		messages:     make(map[string][]channel.Message),
		attachments:  make(map[string][]byte),
		downloadErrs: make(map[string][]error),
	}
}

func sourceKey(sourceID string, b bucket.Bucket) string {
	return sourceID + "@" + b.String()
}

// AddMessages appends messages delivered for a source and bucket
func (f *FakeSource) AddMessages(sourceID string, b bucket.Bucket, msgs ...channel.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sourceKey(sourceID, b)
	f.messages[key] = append(f.messages[key], msgs...)
}

// SetAttachment sets the bytes downloaded for a message id
func (f *FakeSource) SetAttachment(messageID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[messageID] = data
}

// FailFetches makes the next len(errs) Messages calls return errs in order
func (f *FakeSource) FailFetches(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErrs = append(f.fetchErrs, errs...)
}

// FailDownloads makes the next len(errs) downloads of messageID return errs in order
func (f *FakeSource) FailDownloads(messageID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadErrs[messageID] = append(f.downloadErrs[messageID], errs...)
}

func (f *FakeSource) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *FakeSource) DownloadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloadCalls
}

func (f *FakeSource) Messages(ctx context.Context, sourceID string, b bucket.Bucket, limit int, fn func(channel.Message) error) error {
	f.mu.Lock()
	f.fetchCalls++
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		f.mu.Unlock()
		return err
	}
	msgs := append([]channel.Message(nil), f.messages[sourceKey(sourceID, b)]...)
	f.mu.Unlock()

	for i, m := range msgs {
		if limit > 0 && i >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *FakeSource) Download(ctx context.Context, m channel.Message, w io.Writer) error {
	f.mu.Lock()
	f.downloadCalls++
	if errs := f.downloadErrs[m.ID]; len(errs) > 0 {
		f.downloadErrs[m.ID] = errs[1:]
		f.mu.Unlock()
		return errs[0]
	}
	data, ok := f.attachments[m.ID]
	f.mu.Unlock()

	if !ok {
		data = []byte("attachment-" + m.ID)
	}
	_, err := w.Write(data)
	return err
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// Sleeper records requested waits instead of sleeping
type Sleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Sleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

// TestLogger provides a logger that captures logs for testing
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key := fmt.Sprintf("%v", fields[i])
			entry.Fields[key] = fields[i+1]
		}
	}

	l.entries = append(l.entries, entry)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

func (l *TestLogger) HasWarning() bool {
	return len(l.GetEntriesByLevel("WARN")) > 0
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]interface{}, 0, (r.NumAttrs()+len(h.attrs))*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(r.Level.String(), r.Message, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{
		logger: h.logger,
		attrs:  newAttrs,
	}
}

// Groups are flattened; tests only match on keys.
func (h *testLogHandler) WithGroup(string) slog.Handler {
	return h
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/ashureev/mds-moderator/internal/domain"
)

// apiError implements smithy.APIError for test assertions.
type apiError struct {
	code string
	msg  string
}

func (e *apiError) Error() string                 { return e.msg }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

// mockS3 is a thread-safe in-memory S3 backend that can fail chosen keys.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey map[string]bool
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte), failKey: make(map[string]bool)}
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKey[*in.Key] {
		return nil, &apiError{code: "SlowDown", msg: "reduce your request rate"}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func testSession() domain.SessionContext {
	return domain.SessionContext{ID: "sess-1", StartedAt: time.Date(2024, 7, 14, 10, 18, 19, 0, time.UTC)}
}

func TestFileWriterCommaTerminatedRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, testSession())
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	sink := NewSink(w)
	log := domain.NewConversationLog()
	log.Append(domain.RoleAssistant, "Hallo Max!")
	log.Append(domain.RoleUser, "11:00:00 | Max | Guten Tag")

	if _, err := sink.FlushNew(context.Background(), log); err != nil {
		t.Fatalf("FlushNew failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !strings.HasSuffix(w.Path(), "conversation-2024-07-14_10-18-19.log") {
		t.Fatalf("unexpected path %s", w.Path())
	}
	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}
	for _, line := range lines {
		if !strings.HasSuffix(line, ",") {
			t.Fatalf("expected comma-terminated record: %q", line)
		}
	}
	var rec map[string]string
	if err := json.Unmarshal([]byte(strings.TrimSuffix(lines[0], ",")), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec["role"] != "assistant" || rec["content"] != "Hallo Max!" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestObjectWriterKeysAndFailure(t *testing.T) {
	client := newMockS3()
	w := NewObjectWriter(client, "transcripts", "conversations", testSession())
	client.failKey[w.Key(3)] = true
	sink := NewSink(w)

	log := domain.NewConversationLog()
	for i := 0; i < 5; i++ {
		log.Append(domain.RoleUser, "turn")
	}

	n, err := sink.FlushNew(context.Background(), log)
	if n != 3 || !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected 3 writes and a write failure, got n=%d err=%v", n, err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "SlowDown" {
		t.Fatalf("expected wrapped API error, got %v", err)
	}
	if sink.HighWaterMark() != 2 {
		t.Fatalf("expected mark 2, got %d", sink.HighWaterMark())
	}
	if _, ok := client.objects[w.Key(4)]; ok {
		t.Fatal("entry 4 uploaded before entry 3")
	}
	if got := w.Key(0); got != "conversations/sess-1/000000.json" {
		t.Fatalf("unexpected key %s", got)
	}

	client.failKey[w.Key(3)] = false
	if _, err := sink.FlushNew(context.Background(), log); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}
	if len(client.objects) != 5 {
		t.Fatalf("expected 5 objects, got %d", len(client.objects))
	}
	var rec map[string]string
	if err := json.NewDecoder(bytes.NewReader(client.objects[w.Key(4)])).Decode(&rec); err != nil {
		t.Fatalf("decode object: %v", err)
	}
	if rec["role"] != "user" || rec["content"] != "turn" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestKVWriterStoresInOrder(t *testing.T) {
	db, err := OpenBadger("")
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}
	w := NewKVWriter(db, testSession(), true)
	sink := NewSink(w)

	log := domain.NewConversationLog()
	log.Append(domain.RoleAssistant, "Hallo Anna!")
	log.Append(domain.RoleUser, "10:00:05 | Anna | Hello")
	if _, err := sink.FlushNew(context.Background(), log); err != nil {
		t.Fatalf("FlushNew failed: %v", err)
	}

	recs, err := w.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(recs) != 2 || recs[0]["content"] != "Hallo Anna!" || recs[1]["role"] != "user" {
		t.Fatalf("unexpected records: %v", recs)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

// flakyFile buffers writes in memory and fails the next Sync on demand.
type flakyFile struct {
	buf      bytes.Buffer
	failSync bool
}

func (f *flakyFile) Write(p []byte) (int, error) { return f.buf.Write(p) }

func (f *flakyFile) Sync() error {
	if f.failSync {
		f.failSync = false
		return errors.New("input/output error")
	}
	return nil
}

func (f *flakyFile) Truncate(size int64) error {
	f.buf.Truncate(int(size))
	return nil
}

func (f *flakyFile) Close() error { return nil }

func TestFileWriterRetryAfterSyncFailureStoresEntryOnce(t *testing.T) {
	file := &flakyFile{}
	sink := NewSink(&FileWriter{f: file, path: "conversation.log"})
	log := domain.NewConversationLog()
	log.Append(domain.RoleAssistant, "Hallo Max!")
	log.Append(domain.RoleUser, "11:00:00 | Max | Guten Tag")

	n, err := sink.FlushNew(context.Background(), log)
	if err != nil || n != 2 {
		t.Fatalf("first flush = %d, %v", n, err)
	}

	log.Append(domain.RoleUser, "11:00:05 | Max | Tschuess")
	file.failSync = true
	var writeErr *WriteError
	if _, err := sink.FlushNew(context.Background(), log); !errors.As(err, &writeErr) || writeErr.Index != 2 {
		t.Fatalf("expected WriteError at index 2, got %v", err)
	}
	if strings.Count(file.buf.String(), "Tschuess") != 0 {
		t.Fatalf("failed entry left in file: %s", file.buf.String())
	}

	if n, err := sink.FlushNew(context.Background(), log); err != nil || n != 1 {
		t.Fatalf("retry flush = %d, %v", n, err)
	}
	if got := strings.Count(file.buf.String(), "Tschuess"); got != 1 {
		t.Fatalf("expected entry stored once, found %d copies:\n%s", got, file.buf.String())
	}
	if got := strings.Count(file.buf.String(), ",\n"); got != 3 {
		t.Fatalf("expected 3 records, got %d", got)
	}
}

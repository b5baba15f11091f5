package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// mockPutter records uploaded keys and can fail the first n calls per key.
type mockPutter struct {
	mu        sync.Mutex
	keys      []string
	failFirst int
	calls     map[string]int
}

func (m *mockPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	key := *params.Key
	m.calls[key]++
	if m.calls[key] <= m.failFirst {
		return nil, errors.New("connection reset")
	}
	m.keys = append(m.keys, key)
	return &s3.PutObjectOutput{}, nil
}

func writeOutputDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublish_UploadsEveryFileUnderPrefix(t *testing.T) {
	dir := writeOutputDir(t, "index.m3u8", "seg_000.ts", "seg_001.ts")
	putter := &mockPutter{}
	pub := New(putter, "media-bucket", "cdn.example.com", newTestLogger())

	url, err := pub.Publish(context.Background(), dir, "hls/lesson-1/job-1-42")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(putter.keys) != 3 {
		t.Errorf("uploaded %d files, want 3", len(putter.keys))
	}
	for _, key := range putter.keys {
		if !strings.HasPrefix(key, "hls/lesson-1/job-1-42/") {
			t.Errorf("key %q not under remote prefix", key)
		}
	}
	if url != "https://cdn.example.com/hls/lesson-1/job-1-42/index.m3u8" {
		t.Errorf("manifest URL = %q", url)
	}
}

func TestPublish_RetriesTransientPutFailures(t *testing.T) {
	dir := writeOutputDir(t, "index.m3u8")
	putter := &mockPutter{failFirst: 2}
	pub := New(putter, "media-bucket", "cdn.example.com", newTestLogger())

	if _, err := pub.Publish(context.Background(), dir, "hls/l/j-1"); err != nil {
		t.Fatalf("Publish() error = %v, want success after retries", err)
	}
	if putter.calls["hls/l/j-1/index.m3u8"] != 3 {
		t.Errorf("PUT attempts = %d, want 3", putter.calls["hls/l/j-1/index.m3u8"])
	}
}

func TestPublish_FailsAfterRetriesExhausted(t *testing.T) {
	dir := writeOutputDir(t, "index.m3u8")
	putter := &mockPutter{failFirst: putMaxTries}
	pub := New(putter, "media-bucket", "cdn.example.com", newTestLogger())

	if _, err := pub.Publish(context.Background(), dir, "hls/l/j-1"); err == nil {
		t.Error("Publish() expected error once per-PUT retries are exhausted")
	}
}

// blockingPutter holds every PutObject open until released, so the test can
// observe Publish's behaviour with uploads in flight.
type blockingPutter struct {
	entered chan struct{}
	release chan struct{}
	active  atomic.Int64
}

func (b *blockingPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b.active.Add(1)
	defer b.active.Add(-1)
	b.entered <- struct{}{}
	<-b.release
	return &s3.PutObjectOutput{}, nil
}

func TestPublish_WaitsForInFlightPutsOnCancel(t *testing.T) {
	// One more file than upload slots, so the dispatch loop is parked on the
	// semaphore when the context is cancelled.
	names := make([]string, MaxConcurrentUploads+1)
	for i := range names {
		names[i] = fmt.Sprintf("seg_%03d.ts", i)
	}
	dir := writeOutputDir(t, names...)

	putter := &blockingPutter{
		entered: make(chan struct{}, MaxConcurrentUploads),
		release: make(chan struct{}),
	}
	pub := New(putter, "media-bucket", "cdn.example.com", newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := pub.Publish(ctx, dir, "hls/l/j-1")
		done <- err
	}()

	for i := 0; i < MaxConcurrentUploads; i++ {
		select {
		case <-putter.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("uploads never saturated the slots")
		}
	}

	cancel()
	select {
	case err := <-done:
		t.Fatalf("Publish() returned (%v) with uploads still in flight", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(putter.release)
	select {
	case err := <-done:
		if err == nil {
			t.Error("Publish() expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Publish() did not return after uploads drained")
	}
	if n := putter.active.Load(); n != 0 {
		t.Errorf("uploads still running at return = %d, want 0", n)
	}
}

func TestPublish_EmptyDirIsAnError(t *testing.T) {
	dir := t.TempDir()
	pub := New(&mockPutter{}, "media-bucket", "cdn.example.com", newTestLogger())

	if _, err := pub.Publish(context.Background(), dir, "hls/l/j-1"); err == nil {
		t.Error("Publish() expected error for empty output directory")
	}
}

func TestRemotePrefix_SaltedPerAttempt(t *testing.T) {
	first := RemotePrefix("lesson-1", "job-1", 100)
	second := RemotePrefix("lesson-1", "job-1", 200)

	if first == second {
		t.Errorf("retry prefix %q must differ from prior attempt %q", second, first)
	}
	if !strings.HasPrefix(first, "hls/lesson-1/job-1-") {
		t.Errorf("prefix = %q, want lesson and job components", first)
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"index.m3u8", "application/vnd.apple.mpegurl"},
		{"seg_004.ts", "video/MP2T"},
		{"poster.jpg", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := contentType(tt.path); got != tt.want {
			t.Errorf("contentType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

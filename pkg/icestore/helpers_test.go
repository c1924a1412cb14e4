package icestore_test

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/illmade-knight/mqtt2coap/pkg/icestore"
)

// --- Mock GCS Client Components ---

// mockGCSWriter is a mock GCSWriter that writes to an in-memory buffer.
type mockGCSWriter struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	closed      bool
	contentType string
	closeErr    error
}

func (m *mockGCSWriter) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	return m.buf.Write(p)
}

func (m *mockGCSWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return m.closeErr
}

func (m *mockGCSWriter) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Bytes()
}

// mockGCSObjectHandle is a mock GCSObjectHandle.
type mockGCSObjectHandle struct {
	writer   *mockGCSWriter
	closeErr error
}

func (m *mockGCSObjectHandle) NewWriter(_ context.Context, contentType string) icestore.GCSWriter {
	if m.writer == nil {
		m.writer = &mockGCSWriter{contentType: contentType, closeErr: m.closeErr}
	}
	return m.writer
}

// mockGCSBucketHandle is a mock GCSBucketHandle that stores created objects in a map.
type mockGCSBucketHandle struct {
	mu       sync.Mutex
	objects  map[string]*mockGCSObjectHandle
	closeErr error
}

func (m *mockGCSBucketHandle) Object(name string) icestore.GCSObjectHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]*mockGCSObjectHandle)
	}
	if _, ok := m.objects[name]; !ok {
		m.objects[name] = &mockGCSObjectHandle{closeErr: m.closeErr}
	}
	return m.objects[name]
}

// Objects returns a snapshot of the created objects.
func (m *mockGCSBucketHandle) Objects() map[string]*mockGCSObjectHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*mockGCSObjectHandle, len(m.objects))
	for k, v := range m.objects {
		out[k] = v
	}
	return out
}

// mockGCSClient is a mock GCSClient with a single bucket.
type mockGCSClient struct {
	bucket *mockGCSBucketHandle
}

func newMockGCSClient(failClose bool) *mockGCSClient {
	b := &mockGCSBucketHandle{}
	if failClose {
		b.closeErr = errors.New("simulated GCS close error")
	}
	return &mockGCSClient{bucket: b}
}

func (m *mockGCSClient) Bucket(_ string) icestore.GCSBucketHandle {
	return m.bucket
}

package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider is an in-process Provider for tests. FailNext lets a test
// script a run of transient failures before Create starts succeeding,
// exercising the manager's retry/backoff and circuit-breaker paths without
// a real sandbox backend.
type FakeProvider struct {
	mu       sync.Mutex
	failNext int
	created  int
	handles  map[string]*fakeHandle
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{handles: make(map[string]*fakeHandle)}
}

// FailNext arranges for the next n calls to Create to return an error.
func (p *FakeProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

func (p *FakeProvider) Create(ctx context.Context, templateID string) (Handle, error) {
	p.mu.Lock()
	if p.failNext > 0 {
		p.failNext--
		p.mu.Unlock()
		return nil, fmt.Errorf("fake provider: transient failure")
	}
	p.created++
	id := fmt.Sprintf("fake-sandbox-%d", p.created)
	h := &fakeHandle{id: id, files: make(map[string][]byte)}
	p.handles[id] = h
	p.mu.Unlock()
	return h, nil
}

// Killed reports whether the handle with the given id had Kill called on it.
func (p *FakeProvider) Killed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[id]
	return ok && h.killed
}

// CreateCalls reports how many times Create has succeeded, for tests that
// assert a session was reused rather than recreated.
func (p *FakeProvider) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

type fakeHandle struct {
	mu     sync.Mutex
	id     string
	killed bool
	files  map[string][]byte
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) RunCommand(ctx context.Context, cmd string, args ...string) (string, string, int, error) {
	return "", "", 0, nil
}

func (h *fakeHandle) ReadFile(ctx context.Context, path string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.files[path]
	if !ok {
		return "", fmt.Errorf("fake provider: no such file %s", path)
	}
	return string(b), nil
}

func (h *fakeHandle) ReadFileBinary(ctx context.Context, path string) ([]byte, error) {
	s, err := h.ReadFile(ctx, path)
	return []byte(s), err
}

func (h *fakeHandle) WriteFile(ctx context.Context, path string, content []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = content
	return nil
}

func (h *fakeHandle) ListFiles(ctx context.Context, dir string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.files))
	for p := range h.files {
		out = append(out, p)
	}
	return out, nil
}

func (h *fakeHandle) Kill(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	return nil
}

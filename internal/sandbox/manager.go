package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/types"
)

// Config controls retry and timeout behavior, set from env vars prefixed
// E2B_.
type Config struct {
	TemplateID         string
	MaxCreateRetries   int
	RetryDelaySeconds  float64
	DefaultTimeout     time.Duration
	InFlightLivenessOK time.Duration // reserved for future sweep symmetry with the job queue
}

func DefaultConfig() Config {
	return Config{
		TemplateID:        "default",
		MaxCreateRetries:  3,
		RetryDelaySeconds: 2,
		DefaultTimeout:    10 * time.Minute,
	}
}

// Manager owns every live sandbox session for this process, keyed by session
// id, and enforces a circuit breaker per template so a provider outage fails
// fast instead of retrying every caller into the same dead endpoint. This is
// a direct generalization of internal/client.MCPClient's named-transport map.
type Manager struct {
	provider Provider
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*domain.SandboxSession
	handles  map[string]Handle
	circuits map[string]*circuitState
}

func NewManager(provider Provider, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		provider: provider,
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*domain.SandboxSession),
		handles:  make(map[string]Handle),
		circuits: make(map[string]*circuitState),
	}
}

func (m *Manager) circuitFor(templateID string) *circuitState {
	c, ok := m.circuits[templateID]
	if !ok {
		c = &circuitState{}
		m.circuits[templateID] = c
	}
	return c
}

func backoffDelay(base float64, attempt int) time.Duration {
	// delay = RetryDelaySeconds * 2^(attempt-1), attempt is 1-indexed.
	seconds := base * math.Pow(2, float64(attempt-1))
	return time.Duration(seconds * float64(time.Second))
}

// CreateSandbox reuses the session keyed by sessionID if it is still
// running or ready, touching its LastActivity. A session left over in
// error or killed state is discarded and a fresh one is provisioned under
// the same sessionID, retrying transient provider failures with exponential
// backoff up to cfg.MaxCreateRetries, and failing fast when the per-template
// circuit breaker is open.
func (m *Manager) CreateSandbox(ctx context.Context, sessionID string) (*domain.SandboxSession, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		if existing.Status != domain.SandboxError && existing.Status != domain.SandboxKilled {
			m.mu.Unlock()
			m.touch(existing)
			return existing, nil
		}
		delete(m.sessions, sessionID)
		delete(m.handles, sessionID)
	}

	circuit := m.circuitFor(m.cfg.TemplateID)
	if circuit.isOpen(time.Now()) {
		m.mu.Unlock()
		return nil, types.NewSandboxCreationError(sessionID, fmt.Errorf("circuit open for template %s", m.cfg.TemplateID))
	}
	m.mu.Unlock()

	session := &domain.SandboxSession{
		SessionID:    sessionID,
		Status:       domain.SandboxCreating,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}

	maxAttempts := m.cfg.MaxCreateRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		handle, err := m.provider.Create(ctx, m.cfg.TemplateID)
		if err == nil {
			m.mu.Lock()
			circuit.recordSuccess()
			session.Status = domain.SandboxRunning
			session.LastActivity = time.Now()
			m.sessions[sessionID] = session
			m.handles[sessionID] = handle
			m.mu.Unlock()
			return session, nil
		}

		lastErr = err
		m.mu.Lock()
		circuit.recordFailure(time.Now())
		m.mu.Unlock()
		m.log.Warn("sandbox create attempt failed", "session_id", sessionID, "attempt", attempt, "error", err)

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffDelay(m.cfg.RetryDelaySeconds, attempt)):
		}
	}

	session.Status = domain.SandboxError
	session.ErrorMessage = lastErr.Error()
	return nil, types.NewSandboxCreationError(sessionID, lastErr)
}

func (m *Manager) GetSession(sessionID string) (*domain.SandboxSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, types.NewSandboxNotFoundError(sessionID)
	}
	return s, nil
}

func (m *Manager) handle(sessionID string) (Handle, *domain.SandboxSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil, types.NewSandboxNotFoundError(sessionID)
	}
	if s.Status == domain.SandboxKilled || s.Status == domain.SandboxError {
		return nil, nil, types.NewSandboxTerminalError(sessionID, string(s.Status))
	}
	h, ok := m.handles[sessionID]
	if !ok {
		return nil, nil, types.NewSandboxNotFoundError(sessionID)
	}
	return h, s, nil
}

func (m *Manager) touch(s *domain.SandboxSession) {
	m.mu.Lock()
	s.LastActivity = time.Now()
	m.mu.Unlock()
}

// ExtendTimeout refreshes LastActivity so a caller-side reaper (not owned by
// this package) won't reclaim an actively-used session.
func (m *Manager) ExtendTimeout(ctx context.Context, sessionID string) error {
	_, s, err := m.handle(sessionID)
	if err != nil {
		return err
	}
	m.touch(s)
	return nil
}

func (m *Manager) CloneRepo(ctx context.Context, sessionID, repoURL, branch string) error {
	h, s, err := m.handle(sessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.Status = domain.SandboxCloning
	m.mu.Unlock()

	_, stderr, code, err := h.RunCommand(ctx, "git", "clone", "--branch", branch, "--single-branch", repoURL, ".")
	if err != nil || code != 0 {
		m.mu.Lock()
		s.Status = domain.SandboxError
		s.ErrorMessage = stderr
		m.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("git clone exited %d: %s", code, stderr)
		}
		return types.NewSandboxOperationError("clone_repo", sessionID, err)
	}

	m.mu.Lock()
	s.Status = domain.SandboxReady
	s.RepoPath = "."
	m.mu.Unlock()
	m.touch(s)
	return nil
}

// CloneForkRepo clones a fork's head branch as a second remote, for review
// requests whose source and target repos differ (ReviewRequest.IsForkPR).
func (m *Manager) CloneForkRepo(ctx context.Context, sessionID, forkURL, forkBranch string) error {
	h, s, err := m.handle(sessionID)
	if err != nil {
		return err
	}
	if _, stderr, code, err := h.RunCommand(ctx, "git", "remote", "add", "fork", forkURL); err != nil || code != 0 {
		if err == nil {
			err = fmt.Errorf("git remote add exited %d: %s", code, stderr)
		}
		return types.NewSandboxOperationError("clone_fork_repo", sessionID, err)
	}
	if _, stderr, code, err := h.RunCommand(ctx, "git", "fetch", "fork", forkBranch); err != nil || code != 0 {
		if err == nil {
			err = fmt.Errorf("git fetch exited %d: %s", code, stderr)
		}
		return types.NewSandboxOperationError("clone_fork_repo", sessionID, err)
	}
	m.touch(s)
	return nil
}

func (m *Manager) ReadFile(ctx context.Context, sessionID, path string) (string, error) {
	h, s, err := m.handle(sessionID)
	if err != nil {
		return "", err
	}
	content, err := h.ReadFile(ctx, path)
	if err != nil {
		return "", types.NewSandboxOperationError("read_file", sessionID, err)
	}
	m.touch(s)
	return content, nil
}

func (m *Manager) ReadFileBinary(ctx context.Context, sessionID, path string) ([]byte, error) {
	h, s, err := m.handle(sessionID)
	if err != nil {
		return nil, err
	}
	content, err := h.ReadFileBinary(ctx, path)
	if err != nil {
		return nil, types.NewSandboxOperationError("read_file_binary", sessionID, err)
	}
	m.touch(s)
	return content, nil
}

func (m *Manager) WriteFile(ctx context.Context, sessionID, path string, content []byte) error {
	h, s, err := m.handle(sessionID)
	if err != nil {
		return err
	}
	if err := h.WriteFile(ctx, path, content); err != nil {
		return types.NewSandboxOperationError("write_file", sessionID, err)
	}
	m.touch(s)
	return nil
}

func (m *Manager) ListFiles(ctx context.Context, sessionID, dir string) ([]string, error) {
	h, s, err := m.handle(sessionID)
	if err != nil {
		return nil, err
	}
	files, err := h.ListFiles(ctx, dir)
	if err != nil {
		return nil, types.NewSandboxOperationError("list_files", sessionID, err)
	}
	m.touch(s)
	return files, nil
}

// RunCommand runs cmd in the session's sandbox, bounding it to timeout (<= 0
// means no bound beyond ctx). A timeout longer than 30s pre-extends the
// session's idle timer before the command starts, since a long-running
// command would otherwise look idle to a caller-side reaper.
func (m *Manager) RunCommand(ctx context.Context, sessionID, cmd string, timeout time.Duration, args ...string) (stdout, stderr string, exitCode int, err error) {
	h, s, herr := m.handle(sessionID)
	if herr != nil {
		return "", "", 0, herr
	}

	if timeout > 30*time.Second {
		m.touch(s)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout, stderr, exitCode, err = h.RunCommand(runCtx, cmd, args...)
	if err != nil {
		return stdout, stderr, exitCode, types.NewSandboxOperationError("run_command", sessionID, err)
	}
	m.touch(s)
	return stdout, stderr, exitCode, nil
}

// KillSandbox terminates one session and removes it from the manager. Safe
// to call more than once; a second call returns SandboxNotFoundError.
func (m *Manager) KillSandbox(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	s := m.sessions[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()

	if !ok {
		return types.NewSandboxNotFoundError(sessionID)
	}

	err := h.Kill(ctx)
	m.mu.Lock()
	if s != nil {
		s.Status = domain.SandboxKilled
	}
	m.mu.Unlock()
	if err != nil {
		return types.NewSandboxOperationError("kill_sandbox", sessionID, err)
	}
	return nil
}

// CleanupAll kills every live session. Intended for process shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.KillSandbox(ctx, id); err != nil {
			m.log.Warn("cleanup: failed to kill sandbox", "session_id", id, "error", err)
		}
	}
}

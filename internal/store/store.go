package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/centianlabs/mcp-gateway/internal/router"
)

// DebounceInterval is how long Store waits after a mutation before
// flushing to disk, coalescing bursts of changes (spec §4.1).
const DebounceInterval = 200 * time.Millisecond

// Store is the durable, crash-safe persistence layer for server
// configurations and OAuth state (C1). All exported methods are safe for
// concurrent use.
type Store struct {
	path   string
	logger *slog.Logger

	mu         sync.RWMutex
	servers    []ServerConfig
	oauthState map[string]OAuthPersistedState

	writeMu    sync.Mutex
	timer      *time.Timer
	dirty      bool
	closed     bool
}

// Open loads a Store from path, creating an empty one if the file does not
// exist. A malformed file is reported through logger and replaced with
// empty state rather than silently discarded (spec §4.1).
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:       path,
		logger:     logger,
		oauthState: make(map[string]OAuthPersistedState),
	}

	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, errors.Wrapf(err, "store: reading %s", path)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("store file is malformed, starting from empty state", "path", path, "error", err)
		return s, nil
	}

	s.servers = doc.Servers
	if doc.OAuthState != nil {
		s.oauthState = doc.OAuthState
	}
	return s, nil
}

// ListServers returns a deep-copy snapshot of every registered server.
func (s *Store) ListServers() []ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServerConfig, len(s.servers))
	for i, cfg := range s.servers {
		out[i] = cfg.Clone()
	}
	return out
}

// GetServer returns a deep-copy snapshot of the server with the given id.
func (s *Store) GetServer(id string) (ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cfg := range s.servers {
		if cfg.ID == id {
			return cfg.Clone(), nil
		}
	}
	return ServerConfig{}, notFound(id)
}

// GetServerByName returns a deep-copy snapshot of the server whose name
// matches, case-insensitively.
func (s *Store) GetServerByName(name string) (ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lower := strings.ToLower(name)
	for _, cfg := range s.servers {
		if strings.ToLower(cfg.Name) == lower {
			return cfg.Clone(), nil
		}
	}
	return ServerConfig{}, notFound(name)
}

// AddServer validates and appends a new server configuration, assigning an
// id and timestamps if absent, then triggers a debounced write. Rejects a
// duplicate id, a duplicate case-insensitive name, or a name whose
// normalized router prefix is empty or collides with an existing server
// (spec §4.6, §9 Open Question 2).
func (s *Store) AddServer(cfg ServerConfig) (ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = now
	}

	if err := s.validateNewLocked(cfg); err != nil {
		return ServerConfig{}, err
	}

	s.servers = append(s.servers, cfg.Clone())
	s.scheduleFlush()
	return cfg.Clone(), nil
}

func (s *Store) validateNewLocked(cfg ServerConfig) error {
	prefix := router.NormalizePrefix(cfg.Name)
	if prefix == "" {
		return invalidConfig("server name normalizes to an empty prefix")
	}
	lowerName := strings.ToLower(cfg.Name)
	for _, existing := range s.servers {
		if existing.ID == cfg.ID {
			return invalidConfig("duplicate server id " + cfg.ID)
		}
		if strings.ToLower(existing.Name) == lowerName {
			return duplicateName(cfg.Name)
		}
		if router.NormalizePrefix(existing.Name) == prefix {
			return duplicateName(cfg.Name)
		}
	}
	return nil
}

// ServerConfigPatch describes a partial update to a ServerConfig. Nil
// fields are left unchanged. id and transport can never be patched (spec
// §3 invariants, §4.5 updateServer contract).
type ServerConfigPatch struct {
	Name    *string
	Enabled *bool
	Command *string
	Args    *[]string
	Env     *map[string]string
	Cwd     *string
	URL     *string
	Headers *map[string]string
	Auth    *AuthConfig
}

// UpdateServer applies patch to the server identified by id, rejecting a
// new name that collides (case-insensitively, or after prefix
// normalization) with a different server, and refreshes updatedAt.
func (s *Store) UpdateServer(id string, patch ServerConfigPatch) (ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, cfg := range s.servers {
		if cfg.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ServerConfig{}, notFound(id)
	}

	updated := s.servers[idx]
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Enabled != nil {
		updated.Enabled = *patch.Enabled
	}
	if patch.Command != nil {
		updated.Command = *patch.Command
	}
	if patch.Args != nil {
		updated.Args = *patch.Args
	}
	if patch.Env != nil {
		updated.Env = *patch.Env
	}
	if patch.Cwd != nil {
		updated.Cwd = *patch.Cwd
	}
	if patch.URL != nil {
		updated.URL = *patch.URL
	}
	if patch.Headers != nil {
		updated.Headers = *patch.Headers
	}
	if patch.Auth != nil {
		updated.Auth = *patch.Auth
	}

	if patch.Name != nil {
		prefix := router.NormalizePrefix(updated.Name)
		if prefix == "" {
			return ServerConfig{}, invalidConfig("server name normalizes to an empty prefix")
		}
		lowerName := strings.ToLower(updated.Name)
		for i, other := range s.servers {
			if i == idx {
				continue
			}
			if strings.ToLower(other.Name) == lowerName || router.NormalizePrefix(other.Name) == prefix {
				return ServerConfig{}, duplicateName(updated.Name)
			}
		}
	}

	updated.UpdatedAt = time.Now().UTC()
	s.servers[idx] = updated.Clone()
	s.scheduleFlush()
	return updated.Clone(), nil
}

// RemoveServer removes the server config and its OAuth state in a single
// logical mutation, then triggers a debounced write.
func (s *Store) RemoveServer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, cfg := range s.servers {
		if cfg.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return notFound(id)
	}

	s.servers = append(s.servers[:idx], s.servers[idx+1:]...)
	delete(s.oauthState, id)
	s.scheduleFlush()
	return nil
}

// --- OAuth state accessors ---

// GetTokens returns the persisted tokens for id, if any.
func (s *Store) GetTokens(id string) (*OAuthTokens, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.oauthState[id]
	if !ok || st.Tokens == nil {
		return nil, false
	}
	clone := *st.Tokens
	return &clone, true
}

// SetTokens persists tokens for id.
func (s *Store) SetTokens(id string, tokens OAuthTokens) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.oauthState[id]
	clone := tokens
	st.Tokens = &clone
	s.oauthState[id] = st
	s.scheduleFlush()
}

// RemoveTokens clears just the tokens for id, leaving client info and any
// in-flight code verifier untouched.
func (s *Store) RemoveTokens(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.oauthState[id]
	if !ok {
		return
	}
	st.Tokens = nil
	s.oauthState[id] = st
	s.scheduleFlush()
}

// GetClientInfo returns the persisted OAuth client info for id, if any.
func (s *Store) GetClientInfo(id string) (*OAuthClientInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.oauthState[id]
	if !ok || st.ClientInfo == nil {
		return nil, false
	}
	clone := *st.ClientInfo
	return &clone, true
}

// SetClientInfo persists OAuth client info for id (from DCR or a static
// clientId/clientSecret).
func (s *Store) SetClientInfo(id string, info OAuthClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.oauthState[id]
	clone := info
	st.ClientInfo = &clone
	s.oauthState[id] = st
	s.scheduleFlush()
}

// GetCodeVerifier returns the in-flight PKCE code verifier for id, if any.
func (s *Store) GetCodeVerifier(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.oauthState[id]
	if !ok || st.CodeVerifier == "" {
		return "", false
	}
	return st.CodeVerifier, true
}

// SetCodeVerifier persists verifier for id so a crash between redirect and
// callback does not orphan the in-flight authorization (spec §4.2).
func (s *Store) SetCodeVerifier(id, verifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.oauthState[id]
	st.CodeVerifier = verifier
	s.oauthState[id] = st
	s.scheduleFlush()
}

// ClearCodeVerifier removes the in-flight PKCE code verifier for id from
// the in-memory state and schedules a debounced write; it does not wait for
// the write to reach disk.
func (s *Store) ClearCodeVerifier(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.oauthState[id]
	if !ok {
		return
	}
	st.CodeVerifier = ""
	s.oauthState[id] = st
	s.scheduleFlush()
}

// RemoveOAuthState discards all OAuth state for id (spec §4.3 revokeTokens).
func (s *Store) RemoveOAuthState(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.oauthState, id)
	s.scheduleFlush()
}

// --- persistence ---

// scheduleFlush must be called with s.mu held. It marks the store dirty and
// arms (or re-arms) the debounce timer.
func (s *Store) scheduleFlush() {
	s.dirty = true
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(DebounceInterval, func() {
		if err := s.Flush(); err != nil {
			s.logger.Error("store: debounced flush failed", "error", err)
		}
	})
}

// Flush blocks until the current in-memory state is durably persisted.
// Failures are logged and returned to the caller but never panic: in-
// memory state remains authoritative until the next successful flush
// (spec §4.1 Failure semantics).
func (s *Store) Flush() error {
	s.mu.RLock()
	doc := document{
		Servers:    make([]ServerConfig, len(s.servers)),
		OAuthState: make(map[string]OAuthPersistedState, len(s.oauthState)),
	}
	for i, cfg := range s.servers {
		doc.Servers[i] = cfg.Clone()
	}
	for id, st := range s.oauthState {
		doc.OAuthState[id] = st
	}
	s.mu.RUnlock()

	if err := writeAtomic(s.path, doc); err != nil {
		s.logger.Error("store: flush failed", "path", s.path, "error", err)
		return errors.Wrap(err, "store: flush")
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// writeAtomic marshals doc and writes it to path via a sibling temp file
// followed by rename, so a crash mid-write never leaves a partial JSON
// document observable (spec §4.1, §8).
func writeAtomic(path string, doc document) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrap(err, "creating store directory")
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling store document")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temp store file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.Wrap(err, "setting temp store file permissions")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp store file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing temp store file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp store file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "renaming temp store file into place")
	}
	return nil
}

// Close flushes any pending writes and stops the debounce timer. Safe to
// call multiple times.
func (s *Store) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.writeMu.Unlock()

	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()
	if dirty {
		return s.Flush()
	}
	return nil
}

// Package auth implements the bearer-token store: a {token → agent_id}
// map loaded from a JSON file on startup and rewritten in full on every
// mutation. Mutation volume is admin-driven (provisioning a sidecar), so
// a whole-file rewrite is adequate.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	aerrors "github.com/agentcom/hub/pkg/errors"
	"github.com/agentcom/hub/pkg/logger"
)

const tokenPrefixLen = 8

// TokenInfo is the list() view: a truncated prefix, never the raw token.
type TokenInfo struct {
	AgentID string `json:"agent_id"`
	Prefix  string `json:"prefix"`
}

// Store is the token table. All mutations hold the lock across the
// in-memory update and the full-file rewrite, so the file on disk is
// never observed half-written (atomic rename into place).
type Store struct {
	mu     sync.Mutex
	path   string
	tokens map[string]string // token -> agent_id
}

// Load reads the token file at path if present, starting empty otherwise.
func Load(path string) (*Store, error) {
	s := &Store{path: path, tokens: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, aerrors.Wrap(err, "auth.Load", "read token file")
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		return nil, aerrors.Wrap(err, "auth.Load", "parse token file")
	}
	return s, nil
}

// Verify resolves a bearer token to its agent id.
func (s *Store) Verify(token string) (agentID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agentID, ok = s.tokens[token]
	return agentID, ok
}

// Generate mints a new random token for agentID and persists it.
func (s *Store) Generate(agentID string) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", aerrors.Wrap(err, "auth.Generate", "generate token")
	}

	s.mu.Lock()
	s.tokens[token] = agentID
	err = s.saveLocked()
	s.mu.Unlock()

	if err != nil {
		return "", err
	}
	logger.Info("token generated", logger.FieldAgentID, agentID)
	return token, nil
}

// Revoke removes every token belonging to agentID.
func (s *Store) Revoke(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tok, id := range s.tokens {
		if id == agentID {
			delete(s.tokens, tok)
		}
	}
	if err := s.saveLocked(); err != nil {
		return err
	}
	logger.Info("tokens revoked", logger.FieldAgentID, agentID)
	return nil
}

// List returns every agent/token pair with the token truncated to a
// non-reversible prefix.
func (s *Store) List() []TokenInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TokenInfo, 0, len(s.tokens))
	for tok, agentID := range s.tokens {
		out = append(out, TokenInfo{AgentID: agentID, Prefix: truncate(tok, tokenPrefixLen)})
	}
	return out
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return aerrors.Wrap(err, "auth.save", "marshal token file")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return aerrors.Wrap(err, "auth.save", "create token dir")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return aerrors.Wrap(err, "auth.save", "write temp token file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return aerrors.Wrap(err, "auth.save", "rename temp token file")
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

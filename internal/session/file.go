package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "smmpulse/pkg/logx"
)

// FileStore keeps one JSON file per account under Dir.
// Files are written atomically (tmp + rename) with 0600 permissions.
type FileStore struct {
	dir string
	log logx.Logger

	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string, log logx.Logger) *FileStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileStore{dir: dir, log: log}
}

func (s *FileStore) path(username string) string {
	name := normalize(username)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
	return filepath.Join(s.dir, name+".session.json")
}

func (s *FileStore) Load(_ context.Context, username string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.path(username)
	data, err := os.ReadFile(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("session file unreadable; treating as missing", logx.String("path", p), logx.Err(err))
		}
		return Token{}, ErrNotFound
	}
	tok, err := decode(normalize(username), data)
	if err != nil {
		s.log.Warn("session file corrupt; treating as missing", logx.String("path", p))
		return Token{}, ErrNotFound
	}
	return tok, nil
}

func (s *FileStore) Save(_ context.Context, username string, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("session: mkdir: %w", err)
	}
	data, err := encode(normalize(username), tok)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	p := s.path(username)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session: rename: %w", err)
	}
	return nil
}

func (s *FileStore) Invalidate(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(username)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: remove: %w", err)
	}
	return nil
}

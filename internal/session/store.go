// Package session persists the external API login session per account so
// that restarts can skip the credential exchange.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNotFound is returned by Load when no usable session exists. Corrupt or
// unreadable state is reported as ErrNotFound too.
var ErrNotFound = errors.New("session: not found")

// Token is the serialized credential state of one account.
type Token struct {
	Username  string    `json:"username"`
	Blob      []byte    `json:"blob"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store interface {
	Load(ctx context.Context, username string) (Token, error)
	Save(ctx context.Context, username string, tok Token) error
	Invalidate(ctx context.Context, username string) error
}

func encode(username string, tok Token) ([]byte, error) {
	tok.Username = username
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now()
	}
	tok.UpdatedAt = time.Now()
	return json.Marshal(tok)
}

// decode returns ErrNotFound for anything that does not look like a token
// for username.
func decode(username string, data []byte) (Token, error) {
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, ErrNotFound
	}
	if len(tok.Blob) == 0 || !strings.EqualFold(tok.Username, username) {
		return Token{}, ErrNotFound
	}
	return tok, nil
}

func normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

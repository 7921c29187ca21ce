package session

import (
	"context"
	"fmt"

	logx "smmpulse/pkg/logx"
)

// BlobKV is a keyed blob store (the SQLite repository implements it).
type BlobKV interface {
	GetBlob(ctx context.Context, key string) (val []byte, ok bool, err error)
	PutBlob(ctx context.Context, key string, val []byte) error
	DeleteBlob(ctx context.Context, key string) error
}

// BlobStore keeps sessions in a BlobKV under "session:<username>".
type BlobStore struct {
	kv  BlobKV
	log logx.Logger
}

var _ Store = (*BlobStore)(nil)

func NewBlobStore(kv BlobKV, log logx.Logger) *BlobStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &BlobStore{kv: kv, log: log}
}

func blobKey(username string) string { return "session:" + normalize(username) }

func (s *BlobStore) Load(ctx context.Context, username string) (Token, error) {
	data, ok, err := s.kv.GetBlob(ctx, blobKey(username))
	if err != nil {
		s.log.Warn("session blob unreadable; treating as missing", logx.String("username", username), logx.Err(err))
		return Token{}, ErrNotFound
	}
	if !ok {
		return Token{}, ErrNotFound
	}
	tok, err := decode(normalize(username), data)
	if err != nil {
		s.log.Warn("session blob corrupt; treating as missing", logx.String("username", username))
		return Token{}, ErrNotFound
	}
	return tok, nil
}

func (s *BlobStore) Save(ctx context.Context, username string, tok Token) error {
	data, err := encode(normalize(username), tok)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	return s.kv.PutBlob(ctx, blobKey(username), data)
}

func (s *BlobStore) Invalidate(ctx context.Context, username string) error {
	return s.kv.DeleteBlob(ctx, blobKey(username))
}

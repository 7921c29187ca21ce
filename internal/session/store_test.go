package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	logx "smmpulse/pkg/logx"
)

type memKV struct {
	mu  sync.Mutex
	m   map[string][]byte
	err error
}

func (k *memKV) GetBlob(_ context.Context, key string) ([]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return nil, false, k.err
	}
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *memKV) PutBlob(_ context.Context, key string, val []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m == nil {
		k.m = map[string][]byte{}
	}
	k.m[key] = append([]byte(nil), val...)
	return nil
}

func (k *memKV) DeleteBlob(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

func TestStores(t *testing.T) {
	t.Parallel()

	stores := map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store { return NewFileStore(t.TempDir(), logx.Nop()) },
		"blob": func(t *testing.T) Store { return NewBlobStore(&memKV{}, logx.Nop()) },
	}
	for name, mk := range stores {
		mk := mk
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := mk(t)

			if _, err := st.Load(ctx, "Acme"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load(empty) err = %v, want ErrNotFound", err)
			}
			if err := st.Save(ctx, "Acme", Token{Blob: []byte(`{"sid":"1"}`)}); err != nil {
				t.Fatalf("Save: %v", err)
			}
			tok, err := st.Load(ctx, "acme")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if string(tok.Blob) != `{"sid":"1"}` || tok.Username != "acme" {
				t.Fatalf("tok = %+v", tok)
			}
			if tok.CreatedAt.IsZero() || tok.UpdatedAt.IsZero() {
				t.Fatalf("timestamps not set: %+v", tok)
			}
			if err := st.Invalidate(ctx, "ACME"); err != nil {
				t.Fatalf("Invalidate: %v", err)
			}
			if _, err := st.Load(ctx, "acme"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load(after invalidate) err = %v", err)
			}
			if err := st.Invalidate(ctx, "acme"); err != nil {
				t.Fatalf("Invalidate twice: %v", err)
			}
		})
	}
}

func TestFileStoreCorruptIsNotFound(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st := NewFileStore(dir, logx.Nop())
	if err := os.WriteFile(filepath.Join(dir, "acme.session.json"), []byte("{garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load(context.Background(), "acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(corrupt) err = %v, want ErrNotFound", err)
	}
}

func TestFileStorePermissions(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "sessions")
	st := NewFileStore(dir, logx.Nop())
	if err := st.Save(context.Background(), "a/b", Token{Blob: []byte("x")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	fi, err := os.Stat(filepath.Join(dir, "a_b.session.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %v, want 0600", fi.Mode().Perm())
	}
}

func TestBlobStoreReadErrorIsNotFound(t *testing.T) {
	t.Parallel()

	st := NewBlobStore(&memKV{err: errors.New("disk gone")}, logx.Nop())
	if _, err := st.Load(context.Background(), "acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

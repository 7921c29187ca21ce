package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	logx "smmpulse/pkg/logx"
)

const backupPrefix = "smmpulse-"
const backupExt = ".db"

// Backup writes a consistent copy of the database into dir and returns its path.
func (s *SQLite) Backup(ctx context.Context, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, backupPrefix+now.UTC().Format("20060102-150405")+backupExt)
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("storage: backup %s already exists", dst)
	}
	q := "VACUUM INTO '" + strings.ReplaceAll(dst, "'", "''") + "'"
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return "", fmt.Errorf("storage: backup: %w", err)
	}
	s.log.Info("database backup written", logx.String("path", dst))
	return dst, nil
}

// PruneBackups removes backups in dir older than retention and returns the removed paths.
func PruneBackups(dir string, retention time.Duration, now time.Time) ([]string, error) {
	if retention <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cutoff := now.Add(-retention)
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupExt) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupExt)
		t, err := time.Parse("20060102-150405", stamp)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			p := filepath.Join(dir, name)
			if err := os.Remove(p); err != nil {
				return removed, err
			}
			removed = append(removed, p)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

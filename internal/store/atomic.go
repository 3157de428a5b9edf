// Package store provides the daemon's durable state: per-recipient
// inboxes, the on-disk handoff journal, atomic file replacement, and
// the embedded SQLite knowledge store with full-text search.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic replaces path with data using write-temp+fsync+rename
// in the destination directory. Concurrent writers race on the rename;
// the last one wins but the destination is never half-written. A failed
// attempt is retried once (rename can race with a concurrent replace).
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if lastErr = writeFileAtomicOnce(path, data, perm); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("atomic write %s: %w", path, lastErr)
}

func writeFileAtomicOnce(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return err
	}
	tmp := filepath.Join(dir, filepath.Base(path)+".tmp."+hex.EncodeToString(suffix[:]))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentctl/hub/internal/core"
)

// MessageStore holds per-recipient inboxes, durably persisted as one
// JSON file per account under <base>/inbox/. Every mutation is atomic
// at single-message granularity: the in-memory inbox is updated under
// the lock and flushed with an atomic file replace before returning.
type MessageStore struct {
	mu     sync.Mutex
	dir    string
	boxes  map[string][]core.Message // recipient -> ordered messages
	logger *log.Logger
}

// NewMessageStore opens (or creates) the inbox directory and loads any
// existing per-account inbox files.
func NewMessageStore(baseDir string) (*MessageStore, error) {
	dir := filepath.Join(baseDir, "inbox")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("inbox dir: %w", err)
	}

	ms := &MessageStore{
		dir:    dir,
		boxes:  make(map[string][]core.Message),
		logger: log.New(log.Writer(), "[INBOX] ", log.LstdFlags),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		account := e.Name()[:len(e.Name())-len(".json")]
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var msgs []core.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			ms.logger.Printf("corrupt inbox for %s, skipping: %v", account, err)
			continue
		}
		ms.boxes[account] = msgs
	}

	return ms, nil
}

// Append adds a message to the recipient's inbox and flushes it.
func (ms *MessageStore) Append(msg core.Message) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.boxes[msg.To] = append(ms.boxes[msg.To], msg)
	return ms.flushLocked(msg.To)
}

// GetUnread returns unread messages for the account without marking
// them read.
func (ms *MessageStore) GetUnread(account string) []core.Message {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []core.Message
	for _, m := range ms.boxes[account] {
		if !m.Read {
			out = append(out, m)
		}
	}
	return out
}

// GetAll returns messages for the account, oldest first, honoring
// limit/offset. limit <= 0 means no limit.
func (ms *MessageStore) GetAll(account string, limit, offset int) []core.Message {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	box := ms.boxes[account]
	if offset >= len(box) {
		return nil
	}
	box = box[offset:]
	if limit > 0 && limit < len(box) {
		box = box[:limit]
	}
	out := make([]core.Message, len(box))
	copy(out, box)
	return out
}

// MarkAllRead marks every message in the account's inbox read and
// returns how many flipped.
func (ms *MessageStore) MarkAllRead(account string) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	flipped := 0
	box := ms.boxes[account]
	for i := range box {
		if !box[i].Read {
			box[i].Read = true
			flipped++
		}
	}
	if flipped == 0 {
		return 0, nil
	}
	return flipped, ms.flushLocked(account)
}

// CountUnread is non-destructive: calling it never changes read flags.
func (ms *MessageStore) CountUnread(account string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	n := 0
	for _, m := range ms.boxes[account] {
		if !m.Read {
			n++
		}
	}
	return n
}

// ArchiveOlderThan drops read messages older than the cutoff from the
// account's inbox and returns the archived messages so the caller can
// move any journal files.
func (ms *MessageStore) ArchiveOlderThan(account string, days int) ([]core.Message, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -days)
	var kept, archived []core.Message
	for _, m := range ms.boxes[account] {
		if m.Read && m.Timestamp.Before(cutoff) {
			archived = append(archived, m)
		} else {
			kept = append(kept, m)
		}
	}
	if len(archived) == 0 {
		return nil, nil
	}

	ms.boxes[account] = kept
	if err := ms.flushLocked(account); err != nil {
		return nil, err
	}
	return archived, nil
}

func (ms *MessageStore) flushLocked(account string) error {
	data, err := json.MarshalIndent(ms.boxes[account], "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(ms.dir, account+".json"), data, 0o600)
}

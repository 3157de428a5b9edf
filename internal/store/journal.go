package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentctl/hub/internal/core"
)

// ErrHandoffNotFound is returned when no journal file exists for an id.
var ErrHandoffNotFound = errors.New("store: handoff not found")

// HandoffJournal persists one file per handoff id under
// <base>/handoffs/, atomically created. Archiving moves the file into
// the archive/ subdirectory.
type HandoffJournal struct {
	dir        string
	archiveDir string
}

// NewHandoffJournal creates the journal directories.
func NewHandoffJournal(baseDir string) (*HandoffJournal, error) {
	dir := filepath.Join(baseDir, "handoffs")
	archiveDir := filepath.Join(dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o700); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	return &HandoffJournal{dir: dir, archiveDir: archiveDir}, nil
}

// Write persists the handoff message keyed by its id.
func (j *HandoffJournal) Write(msg core.Message) error {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(j.path(msg.ID), data, 0o600)
}

// Load reads a handoff back by id. The exactness matters: receipt
// hashing must never fall back to a sibling handoff's file.
func (j *HandoffJournal) Load(id string) (*core.Message, error) {
	data, err := os.ReadFile(j.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrHandoffNotFound
		}
		return nil, err
	}
	var msg core.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("journal %s: %w", id, err)
	}
	return &msg, nil
}

// Archive moves the handoff's journal file into archive/.
func (j *HandoffJournal) Archive(id string) error {
	src := j.path(id)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return ErrHandoffNotFound
		}
		return err
	}
	return os.Rename(src, filepath.Join(j.archiveDir, id+".json"))
}

func (j *HandoffJournal) path(id string) string {
	return filepath.Join(j.dir, id+".json")
}

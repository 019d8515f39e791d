// Package storage keeps message bodies and attachment contents on disk,
// addressed by record id.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

const (
	messagesDir    = "messages"
	attachmentsDir = "attachments"
)

// Store is the blob area
type Store struct {
	root string
}

// New creates the blob directories under root
func New(root string) (*Store, error) {
	for _, dir := range []string{messagesDir, attachmentsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) messagePath(id int64) string {
	return filepath.Join(s.root, messagesDir, strconv.FormatInt(id, 10))
}

func (s *Store) attachmentPath(id int64) string {
	return filepath.Join(s.root, attachmentsDir, strconv.FormatInt(id, 10))
}

// WriteMessage stores the HTML body of a message
func (s *Store) WriteMessage(id int64, body string) error {
	if err := os.WriteFile(s.messagePath(id), []byte(body), 0644); err != nil {
		return fmt.Errorf("failed to write message %d: %w", id, err)
	}
	return nil
}

// ReadMessage returns the HTML body of a message, empty when never stored
func (s *Store) ReadMessage(id int64) (string, error) {
	b, err := os.ReadFile(s.messagePath(id))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read message %d: %w", id, err)
	}
	return string(b), nil
}

// CreateAttachment truncates and opens the attachment file for writing
func (s *Store) CreateAttachment(id int64) (*os.File, error) {
	f, err := os.Create(s.attachmentPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment %d: %w", id, err)
	}
	return f, nil
}

// OpenAttachment opens stored attachment content
func (s *Store) OpenAttachment(id int64) (io.ReadCloser, error) {
	f, err := os.Open(s.attachmentPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment %d: %w", id, err)
	}
	return f, nil
}

// RemoveAttachment deletes stored attachment content if present
func (s *Store) RemoveAttachment(id int64) error {
	if err := os.Remove(s.attachmentPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove attachment %d: %w", id, err)
	}
	return nil
}

// RemoveOrphans deletes blobs whose record id is not live and returns how many
// files were removed. live is queried after listing, so a blob written after
// its record was committed is never taken for an orphan.
func (s *Store) RemoveOrphans(live func() (messageIDs, attachmentIDs []int64, err error)) (int, error) {
	listed := make(map[string][]os.DirEntry, 2)
	for _, dir := range []string{messagesDir, attachmentsDir} {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return 0, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		listed[dir] = entries
	}

	messageIDs, attachmentIDs, err := live()
	if err != nil {
		return 0, err
	}

	removed := 0
	for dir, ids := range map[string][]int64{messagesDir: messageIDs, attachmentsDir: attachmentIDs} {
		keep := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			keep[strconv.FormatInt(id, 10)] = struct{}{}
		}

		for _, e := range listed[dir] {
			if e.IsDir() {
				continue
			}
			if _, ok := keep[e.Name()]; ok {
				continue
			}
			if err := os.Remove(filepath.Join(s.root, dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("failed to remove orphan %s/%s: %w", dir, e.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

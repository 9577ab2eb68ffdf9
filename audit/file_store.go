package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists entries as JSON lines in a single append-only file.
// Appends are synced to disk before returning so an entry acknowledged
// by the trail survives a crash.
type FileStore struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
}

// NewFileStore opens (creating if needed) the JSONL audit file at
// filePath. Parent directories are created with owner-only permissions.
func NewFileStore(filePath string) (*FileStore, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %s: %w", filePath, err)
	}

	return &FileStore{filePath: filePath, file: file}, nil
}

// Append writes the entry as one JSON line and syncs.
func (s *FileStore) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("audit file store is closed")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit file: %w", err)
	}
	return nil
}

// Scan reads all entries and visits them ascending by timestamp, ties
// broken by id. Lines that do not parse are skipped rather than aborting
// the walk; a partial trailing line after a crash must not make the
// whole log unreadable.
func (s *FileStore) Scan(fn func(Entry) error) error {
	s.mu.Lock()
	entries, err := s.readAll()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	sortEntries(entries)
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// PurgeBefore removes entries strictly older than cutoff by atomically
// rewriting the file.
func (s *FileStore) PurgeBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		return 0, err
	}

	var kept []Entry
	removed := 0
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}

	if err := s.rewrite(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// Close syncs and closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *FileStore) readAll() ([]Entry, error) {
	file, err := os.Open(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit file for reading: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}
	return entries, nil
}

// rewrite replaces the audit file via a temp file and rename so a crash
// mid-purge leaves either the old or the new content, never a torn file.
func (s *FileStore) rewrite(entries []Entry) error {
	dir := filepath.Dir(s.filePath)
	tmp, err := os.CreateTemp(dir, ".audit-purge-*")
	if err != nil {
		return fmt.Errorf("failed to create temp audit file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			cleanup()
			return fmt.Errorf("failed to write temp audit file: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp audit file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set temp audit file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp audit file: %w", err)
	}

	if s.file != nil {
		s.file.Close()
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace audit file: %w", err)
	}

	file, err := os.OpenFile(s.filePath, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen audit file: %w", err)
	}
	s.file = file
	return nil
}

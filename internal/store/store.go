// Package store caches threads and their messages on disk so a thread can be
// shown before the server answers.
//
// Layout under the base directory:
//
//	threads.json            thread list
//	<thread-id>/thread.json thread metadata
//	<thread-id>/messages.json
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/fileutil"
	"github.com/inercia/marketchat/internal/logging"
)

const (
	threadsFileName  = "threads.json"
	threadFileName   = "thread.json"
	messagesFileName = "messages.json"

	filePerm = 0600
)

var (
	ErrThreadNotFound = errors.New("thread not cached")
	ErrInvalidID      = errors.New("invalid thread id")
	ErrStoreClosed    = errors.New("store is closed")
)

// Store is a file-backed thread cache. It is safe for concurrent use.
type Store struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// New creates a store rooted at baseDir, creating it if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	logging.Store().Debug("thread store initialized", "base_dir", baseDir)
	return &Store{baseDir: baseDir}, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string {
	return s.baseDir
}

func (s *Store) threadDir(threadID string) (string, error) {
	if threadID == "" || threadID == "." || threadID == ".." ||
		strings.ContainsAny(threadID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, threadID)
	}
	return filepath.Join(s.baseDir, threadID), nil
}

// SaveThreads replaces the cached thread list.
func (s *Store) SaveThreads(threads []chat.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if threads == nil {
		threads = []chat.Thread{}
	}
	if err := fileutil.WriteJSONAtomic(filepath.Join(s.baseDir, threadsFileName), threads, filePerm); err != nil {
		return fmt.Errorf("failed to save thread list: %w", err)
	}
	return nil
}

// LoadThreads returns the cached thread list, or nil when nothing is cached.
func (s *Store) LoadThreads() ([]chat.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var threads []chat.Thread
	if _, err := fileutil.ReadJSONIfExists(filepath.Join(s.baseDir, threadsFileName), &threads); err != nil {
		return nil, fmt.Errorf("failed to load thread list: %w", err)
	}
	return threads, nil
}

// SaveThread caches a thread and its messages.
func (s *Store) SaveThread(thread chat.Thread, messages []chat.Message) error {
	dir, err := s.threadDir(thread.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	// Messages first: a thread.json always has its messages next to it.
	if err := fileutil.WriteJSONAtomic(filepath.Join(dir, messagesFileName), messages, filePerm); err != nil {
		return fmt.Errorf("failed to save messages: %w", err)
	}
	if err := fileutil.WriteJSONAtomic(filepath.Join(dir, threadFileName), thread, filePerm); err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	logging.Store().Debug("thread cached", "thread_id", thread.ID, "messages", len(messages))
	return nil
}

// LoadThread returns a cached thread and its messages. It returns
// ErrThreadNotFound when the thread was never cached.
func (s *Store) LoadThread(threadID string) (chat.Thread, []chat.Message, error) {
	dir, err := s.threadDir(threadID)
	if err != nil {
		return chat.Thread{}, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return chat.Thread{}, nil, ErrStoreClosed
	}

	var thread chat.Thread
	found, err := fileutil.ReadJSONIfExists(filepath.Join(dir, threadFileName), &thread)
	if err != nil {
		return chat.Thread{}, nil, fmt.Errorf("failed to load thread: %w", err)
	}
	if !found {
		return chat.Thread{}, nil, ErrThreadNotFound
	}

	var messages []chat.Message
	if _, err := fileutil.ReadJSONIfExists(filepath.Join(dir, messagesFileName), &messages); err != nil {
		return chat.Thread{}, nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return thread, messages, nil
}

// DeleteThread removes a cached thread. Deleting an uncached thread is not
// an error.
func (s *Store) DeleteThread(threadID string) error {
	dir, err := s.threadDir(threadID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete cached thread: %w", err)
	}
	return nil
}

// Clear removes everything from the cache.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.baseDir, e.Name())); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return nil
}

// Close marks the store closed; later calls return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	logging.Store().Debug("thread store closed", "base_dir", s.baseDir)
	return nil
}

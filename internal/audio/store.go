// Package audio stores voice blobs on the workstation filesystem. Durable
// messages never carry audio bytes inline; they advertise blob presence and
// clients fetch on demand via audio.request. Blobs live under a fixed
// scheme:
//
//	<dir>/{input|output}/<session_id>/<message_id>.<ext>
//
// input holds recorded voice messages, output holds synthesized speech.
package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// DefaultMaxBlobMB caps one stored blob when the config does not set a
// limit.
const DefaultMaxBlobMB = 10

const (
	dirPerm  = 0o750
	filePerm = 0o600

	// fallbackExt names blobs whose format hint is unusable as a file
	// extension.
	fallbackExt = "bin"
)

var (
	// ErrNotFound reports that no blob exists for the requested message.
	ErrNotFound = errors.New("audio blob not found")

	// ErrTooLarge reports a blob over the configured size cap.
	ErrTooLarge = errors.New("audio blob exceeds size cap")
)

// Store is a filesystem blob store. All methods are safe for concurrent
// use.
type Store struct {
	dir      string
	maxBytes int64

	mu sync.RWMutex
}

// New creates the blob root and returns a [Store]. maxBlobMB falls back to
// [DefaultMaxBlobMB] when zero or negative.
func New(dir string, maxBlobMB int) (*Store, error) {
	if dir == "" {
		return nil, errors.New("audio: empty blob directory")
	}
	if maxBlobMB <= 0 {
		maxBlobMB = DefaultMaxBlobMB
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("audio: create blob root: %w", err)
	}
	return &Store{
		dir:      dir,
		maxBytes: int64(maxBlobMB) << 20,
	}, nil
}

// Save writes one blob and returns its path. direction is
// [protocol.AudioInput] or [protocol.AudioOutput]; format is a file
// extension hint such as "wav" or "m4a". Saving the same message id twice
// replaces the blob.
func (s *Store) Save(direction, sessionID, messageID, format string, data []byte) (string, error) {
	if err := validateRef(direction, sessionID, messageID); err != nil {
		return "", err
	}
	if int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("audio: %d bytes: %w", len(data), ErrTooLarge)
	}

	sessionDir := filepath.Join(s.dir, direction, sessionID)
	path := filepath.Join(sessionDir, messageID+"."+cleanFormat(format))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(sessionDir, dirPerm); err != nil {
		return "", fmt.Errorf("audio: create session dir: %w", err)
	}
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return "", fmt.Errorf("audio: write blob: %w", err)
	}
	return path, nil
}

// Load reads the blob for one message and reports its format (the file
// extension without the dot). A missing blob returns [ErrNotFound].
func (s *Store) Load(direction, sessionID, messageID string) ([]byte, string, error) {
	if err := validateRef(direction, sessionID, messageID); err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	path := s.lookup(direction, sessionID, messageID)
	if path == "" {
		return nil, "", fmt.Errorf("audio: %s/%s/%s: %w", direction, sessionID, messageID, ErrNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("audio: read blob: %w", err)
	}
	return data, strings.TrimPrefix(filepath.Ext(path), "."), nil
}

// Resolve returns the blob path for one message, or "" when no blob
// exists.
func (s *Store) Resolve(direction, sessionID, messageID string) string {
	if err := validateRef(direction, sessionID, messageID); err != nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(direction, sessionID, messageID)
}

// InputPath reports the recorded-voice blob for a message, "" when absent.
// Together with OutputPath it lets the router stamp audio presence onto
// durable records.
func (s *Store) InputPath(sessionID, messageID string) string {
	return s.Resolve(protocol.AudioInput, sessionID, messageID)
}

// OutputPath reports the synthesized-speech blob for a message, "" when
// absent.
func (s *Store) OutputPath(sessionID, messageID string) string {
	return s.Resolve(protocol.AudioOutput, sessionID, messageID)
}

// lookup scans the session directory for <messageID>.<ext>. The extension
// is not part of the lookup key, it was chosen by whoever saved the blob.
func (s *Store) lookup(direction, sessionID, messageID string) string {
	sessionDir := filepath.Join(s.dir, direction, sessionID)
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		return ""
	}
	prefix := messageID + "."
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(sessionDir, e.Name())
		}
	}
	return ""
}

func validateRef(direction, sessionID, messageID string) error {
	if direction != protocol.AudioInput && direction != protocol.AudioOutput {
		return fmt.Errorf("audio: unknown direction %q", direction)
	}
	if !safeName(sessionID) {
		return fmt.Errorf("audio: unsafe session id %q", sessionID)
	}
	if !safeName(messageID) {
		return fmt.Errorf("audio: unsafe message id %q", messageID)
	}
	return nil
}

// safeName rejects ids that would escape the blob tree when joined into a
// path.
func safeName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		name == filepath.Base(name) && !strings.ContainsAny(name, "/\\")
}

// cleanFormat normalizes a client-supplied format hint into a file
// extension.
func cleanFormat(format string) string {
	f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if f == "" || len(f) > 8 {
		return fallbackExt
	}
	for _, r := range f {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return fallbackExt
		}
	}
	return f
}

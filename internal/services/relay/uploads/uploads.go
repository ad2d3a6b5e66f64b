// Package uploads owns the server-side upload tree: per-token fallback sinks
// used when no host is registered, and the folder listing exposed over HTTP.
package uploads

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrInvalidName reports a folder name outside [a-zA-Z0-9-_].
var ErrInvalidName = errors.New("invalid name")

// ErrInvalidToken reports a token that cannot be used as a directory name.
var ErrInvalidToken = errors.New("invalid token")

var folderNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const sinkBufferSize = 256 * 1024

// Dir is the root of the upload tree.
type Dir struct {
	root string
	now  func() time.Time
}

// Open prepares root, creating it when missing.
func Open(root string) (*Dir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("uploads root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads root: %w", err)
	}
	return &Dir{root: filepath.Clean(root), now: time.Now}, nil
}

// Root returns the cleaned root path.
func (d *Dir) Root() string {
	return d.root
}

// OpenSink creates <root>/<token>/<filename> for writing, truncating any
// earlier partial file of the same name.
func (d *Dir) OpenSink(token string, filename string) (*Sink, error) {
	token = strings.TrimSpace(token)
	if token == "" || token != filepath.Base(token) || token == "." || token == ".." {
		return nil, ErrInvalidToken
	}
	tokenDir := filepath.Join(d.root, token)
	if err := os.MkdirAll(tokenDir, 0o755); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	path := filepath.Join(tokenDir, d.SafeFilename(filename))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	return &Sink{
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, sinkBufferSize),
	}, nil
}

// SafeFilename reduces a client supplied filename to a base name that stays
// inside the token directory.
func (d *Dir) SafeFilename(filename string) string {
	name := strings.TrimSpace(filename)
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return fmt.Sprintf("upload-%d", d.now().UnixMilli())
	}
	return name
}

// Folders lists the directories directly under the root, sorted by name.
func (d *Dir) Folders() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read uploads root: %w", err)
	}
	folders := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			folders = append(folders, entry.Name())
		}
	}
	sort.Strings(folders)
	return folders, nil
}

// CreateFolder creates a folder under the root. Existing folders are not an
// error.
func (d *Dir) CreateFolder(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !folderNamePattern.MatchString(name) {
		return "", ErrInvalidName
	}
	if err := os.MkdirAll(filepath.Join(d.root, name), 0o755); err != nil {
		return "", fmt.Errorf("create folder: %w", err)
	}
	return name, nil
}

// Sink is a buffered upload file owned by exactly one sender connection.
type Sink struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	written int64
	closed  bool
}

// Path returns the file being written.
func (s *Sink) Path() string {
	return s.path
}

// Written returns the number of bytes accepted so far.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Write appends p in arrival order.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	n, err := s.writer.Write(p)
	s.written += int64(n)
	return n, err
}

// Finalize flushes, syncs and closes the file. The file is complete and
// readable once Finalize returns nil.
func (s *Sink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("flush upload: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("sync upload: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close upload: %w", err)
	}
	return nil
}

// Close releases the file without completeness guarantees; the partial file
// stays on disk.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.writer.Flush()
	return s.file.Close()
}

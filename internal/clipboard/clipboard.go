// Package clipboard abstracts the local clipboard behind a small
// read/write interface. Platform clipboard integration lives outside this
// module; the implementations here back headless daemons and tests.
package clipboard

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrEmpty is returned by Read when the clipboard holds no content.
var ErrEmpty = errors.New("clipboard: empty")

// Clipboard is the local clipboard collaborator.
type Clipboard interface {
	Read() (string, error)
	Write(content string) error
}

// Memory is an in-process clipboard.
type Memory struct {
	mu      sync.Mutex
	content string
	set     bool
}

// NewMemory creates an empty in-process clipboard.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Read() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return "", ErrEmpty
	}
	return m.content, nil
}

func (m *Memory) Write(content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = content
	m.set = true
	return nil
}

// File is a clipboard backed by a single file, for piping content in and
// out of a headless sync daemon.
type File struct {
	path string
}

// NewFile creates a file-backed clipboard at path.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Read() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrEmpty
		}
		return "", err
	}
	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return "", ErrEmpty
	}
	return content, nil
}

func (f *File) Write(content string) error {
	return os.WriteFile(f.path, []byte(content+"\n"), 0o600)
}

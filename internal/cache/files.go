package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrPathTraversal is returned for paths escaping the storage root
var ErrPathTraversal = errors.New("path traversal detected")

// FileStorage stores attachment payloads under content-addressed paths
type FileStorage struct {
	basePath string
}

// NewFileStorage creates the storage root if needed
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{basePath: basePath}, nil
}

// Path returns the relative location for a payload of a given message
func (s *FileStorage) Path(accountID, messageID int64, filename string, content []byte) string {
	sum := sha256.Sum256(content)
	name := hex.EncodeToString(sum[:])
	if ext := safeExt(filename); ext != "" {
		name += ext
	}
	return filepath.Join(strconv.FormatInt(accountID, 10), strconv.FormatInt(messageID, 10), name)
}

// Save writes content to rel unless it is already present. The write goes
// through a temporary file so readers never observe a partial payload.
func (s *FileStorage) Save(rel string, content []byte) error {
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create attachment directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".part-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close attachment: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move attachment into place: %w", err)
	}
	return nil
}

// Read returns a stored payload
func (s *FileStorage) Read(rel string) ([]byte, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// RemoveMessage deletes every payload stored for a message
func (s *FileStorage) RemoveMessage(accountID, messageID int64) error {
	dir := filepath.Join(s.basePath, strconv.FormatInt(accountID, 10), strconv.FormatInt(messageID, 10))
	return os.RemoveAll(dir)
}

// resolve ensures rel stays within basePath
func (s *FileStorage) resolve(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", ErrPathTraversal
	}
	return filepath.Join(s.basePath, clean), nil
}

func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

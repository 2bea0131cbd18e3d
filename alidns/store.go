package alidns

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	autocert "github.com/caasmo/aliyun-autocert"
)

// RecordStore maps a validation name to the provider record id created for it.
type RecordStore interface {
	Save(validationName, recordID string) error
	Get(validationName string) (recordID string, found bool, err error)
	Remove(validationName string) error
}

// FileStore keeps one marker file per pending challenge so that the
// cleanup hook, running in another process, finds the record to delete.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// the first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the marker directory.
func (s *FileStore) Dir() string { return s.dir }

// MarkerName is the file name used for validationName.
func MarkerName(validationName string) string {
	safe := strings.ReplaceAll(validationName, ".", "_")
	safe = strings.ReplaceAll(safe, "*", "wildcard")
	return safe + ".txt"
}

func (s *FileStore) path(validationName string) string {
	return filepath.Join(s.dir, MarkerName(validationName))
}

func (s *FileStore) Save(validationName, recordID string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("record store: create %s: %w", s.dir, err)
	}
	content := validationName + ":" + recordID
	if err := os.WriteFile(s.path(validationName), []byte(content), 0o600); err != nil {
		return fmt.Errorf("record store: write marker for %s: %w", validationName, err)
	}
	return nil
}

// Get reports found=false when no marker exists or when the marker belongs
// to another name that sanitizes to the same file.
func (s *FileStore) Get(validationName string) (string, bool, error) {
	data, err := os.ReadFile(s.path(validationName))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("record store: read marker for %s: %w", validationName, err)
	}

	prefix := validationName + ":"
	content := strings.TrimSpace(string(data))
	if !strings.HasPrefix(content, prefix) {
		return "", false, nil
	}
	recordID := strings.TrimPrefix(content, prefix)
	if recordID == "" {
		return "", false, nil
	}
	return recordID, true, nil
}

func (s *FileStore) Remove(validationName string) error {
	err := os.Remove(s.path(validationName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("record store: remove marker for %s: %w", validationName, err)
	}
	return nil
}

// Pending lists the challenge records whose marker is still on disk, that
// is records created by an auth hook and not yet cleaned up.
func (s *FileStore) Pending() ([]autocert.ChallengeRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record store: list %s: %w", s.dir, err)
	}

	var pending []autocert.ChallengeRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("record store: read %s: %w", e.Name(), err)
		}
		name, id, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
		if !ok || id == "" {
			continue
		}
		pending = append(pending, autocert.ChallengeRecord{ValidationName: name, RecordID: id})
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ValidationName < pending[j].ValidationName
	})
	return pending, nil
}

// MemoryStore is a RecordStore for issuance and cleanup running in the
// same process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]string)}
}

func (s *MemoryStore) Save(validationName, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[validationName] = recordID
	return nil
}

func (s *MemoryStore) Get(validationName string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.records[validationName]
	return id, ok, nil
}

func (s *MemoryStore) Remove(validationName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, validationName)
	return nil
}

// Len returns the number of pending records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

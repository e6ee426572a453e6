package suppress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// fileDoc is the on-disk layout of the state file.
type fileDoc struct {
	Records map[string]Record `json:"records"`
}

// FileStore keeps all records in one JSON file. Writes go to a temp file in
// the same directory followed by a rename, so a crash mid-write leaves the
// previous document intact.
//
// Two agent processes sharing one file are last-writer-wins.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore backed by path. The file and its parent
// directory are created on the first Put.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Get(_ context.Context, conditionID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return Record{}, false, storeErr("get", conditionID, err)
	}
	rec, ok := doc.Records[conditionID]
	return rec, ok, nil
}

func (s *FileStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		// Refuse to overwrite a document we cannot parse: it holds the
		// records of every other condition.
		return storeErr("put", rec.ConditionID, err)
	}
	doc.Records[rec.ConditionID] = rec

	if err := s.write(doc); err != nil {
		return storeErr("put", rec.ConditionID, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// read loads the document. A missing file is an empty document.
func (s *FileStore) read() (*fileDoc, error) {
	doc := &fileDoc{Records: make(map[string]Record)}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if doc.Records == nil {
		doc.Records = make(map[string]Record)
	}
	return doc, nil
}

func (s *FileStore) write(doc *fileDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

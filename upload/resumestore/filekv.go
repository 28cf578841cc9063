package resumestore

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	fileKVDirPerm = 0o700
)

// FileKV is a KV backed by one file per key in a local directory.
// Writes go through a temp file and rename, so a crash mid-write never
// leaves a corrupt record behind.
type FileKV struct {
	dir string
}

// NewFileKV creates a file-backed KV rooted at dir, creating it if needed.
func NewFileKV(dir string) (*FileKV, error) {
	if dir == "" {
		return nil, fmt.Errorf("state dir must not be empty")
	}
	if err := os.MkdirAll(dir, fileKVDirPerm); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

// Get ...
func (kv *FileKV) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(kv.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set ...
func (kv *FileKV) Set(key string, value []byte) error {
	path := kv.path(key)

	tmp, err := os.CreateTemp(kv.dir, "record-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Delete ...
func (kv *FileKV) Delete(key string) error {
	err := os.Remove(kv.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (kv *FileKV) path(key string) string {
	return filepath.Join(kv.dir, key+".json")
}

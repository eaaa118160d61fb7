package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/galois26/legisync/internal/model"
)

const originDisk = "disk"

// FileStore keeps the snapshot as a JSON array of records in a single file.
// Every save rewrites the whole file through a temp file and a rename.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string { return f.path }

// Check creates the parent directory and probes that a file can be created
// next to the snapshot.
func (f *FileStore) Check() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("snapshot dir not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func (f *FileStore) Load(_ context.Context) (Snapshot, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var recs []model.Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", f.path, err)
	}
	snap := Snapshot{Records: recs, Origin: originDisk}
	if st, err := os.Stat(f.path); err == nil {
		snap.UpdatedAt = st.ModTime().UTC()
	}
	return snap, nil
}

func (f *FileStore) Save(_ context.Context, s Snapshot) error {
	recs := s.Records
	if recs == nil {
		recs = []model.Record{}
	}
	b, err := json.MarshalIndent(recs, "", " ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return writeFileAtomic(f.path, b, 0o644)
}

func (f *FileStore) Close() error { return nil }

// writeFileAtomic replaces path with data so that readers of path see either
// the old or the new content in full.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

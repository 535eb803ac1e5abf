package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/galdor/go-raftstore/pkg/raft"
)

var ErrEmptyTermState = errors.New("empty term state file")

// TermStateFile stores the current term and vote of a server in a small
// JSON file. Each update is written to a temporary file which is synced then
// renamed over the previous one, so the file always contains a complete
// state.
type TermStateFile struct {
	filePath string
	tmpPath  string
	dirPath  string
}

func NewTermStateFile(filePath string) *TermStateFile {
	return &TermStateFile{
		filePath: filePath,
		tmpPath:  filePath + ".tmp",
		dirPath:  filepath.Dir(filePath),
	}
}

func (f *TermStateFile) Open() error {
	info, err := os.Stat(f.filePath)
	if errors.Is(err, os.ErrNotExist) {
		if err := f.Write(raft.PersistentState{}); err != nil {
			return fmt.Errorf("cannot write default state to %q: %w",
				f.filePath, err)
		}

		return nil
	} else if err != nil {
		return fmt.Errorf("cannot stat %q: %w", f.filePath, err)
	}

	// Updates are renamed into place, so an empty file is damaged, not new
	if info.Size() == 0 {
		return fmt.Errorf("%w %q", ErrEmptyTermState, f.filePath)
	}

	if _, err := f.Read(); err != nil {
		return err
	}

	return nil
}

func (f *TermStateFile) Close() error {
	return nil
}

func (f *TermStateFile) Read() (raft.PersistentState, error) {
	var state raft.PersistentState

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return state, fmt.Errorf("cannot read %q: %w", f.filePath, err)
	}

	if len(data) == 0 {
		return state, fmt.Errorf("%w %q", ErrEmptyTermState, f.filePath)
	}

	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("cannot decode json data from %q: %w",
			f.filePath, err)
	}

	return state, nil
}

func (f *TermStateFile) Write(state raft.PersistentState) error {
	data, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("cannot encode term state: %w", err)
	}

	if err := f.writeTmpFile(data); err != nil {
		os.Remove(f.tmpPath)
		return err
	}

	if err := os.Rename(f.tmpPath, f.filePath); err != nil {
		os.Remove(f.tmpPath)
		return fmt.Errorf("cannot rename %q to %q: %w",
			f.tmpPath, f.filePath, err)
	}

	return syncDirectory(f.dirPath)
}

func (f *TermStateFile) writeTmpFile(data []byte) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	file, err := os.OpenFile(f.tmpPath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", f.tmpPath, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("cannot write %q: %w", f.tmpPath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("cannot sync %q: %w", f.tmpPath, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("cannot close %q: %w", f.tmpPath, err)
	}

	return nil
}

// syncDirectory makes a rename in the directory durable.
func syncDirectory(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("cannot open directory %q: %w", dirPath, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("cannot sync directory %q: %w", dirPath, err)
	}

	return nil
}

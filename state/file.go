package state

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/pst-index/model"
)

// DefaultFileName is the progress file written next to the archive by default.
const DefaultFileName = "progress.csv"

// FileBackend stores progress as a header-less two column CSV file
// ("id,Indexed" per line), sorted by id.
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) (*FileBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("progress file path is empty")
	}
	return &FileBackend{Path: filepath.Clean(path)}, nil
}

func (f *FileBackend) String() string { return f.Path }

func (f *FileBackend) Load(_ context.Context) (map[string]Outcome, error) {
	file, err := os.Open(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Outcome{}, nil
	}
	if err != nil {
		return nil, &IOError{Op: "open", Path: f.Path, Err: err}
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 2
	reader.ReuseRecord = true

	entries := make(map[string]Outcome)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			line := 0
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				line = parseErr.Line
			}
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorruptProgressFile, f.Path, line, err)
		}
		line, _ := reader.FieldPos(0)
		id := strings.TrimSpace(record[0])
		if _, err := model.ParseID(id); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorruptProgressFile, f.Path, line, err)
		}
		outcome, err := ParseOutcome(strings.TrimSpace(record[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorruptProgressFile, f.Path, line, err)
		}
		entries[id] = outcome
	}
}

// Save writes a temporary file next to the target and renames it over the
// target, so a crash never leaves a half written progress file behind.
func (f *FileBackend) Save(_ context.Context, entries map[string]Outcome) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IOError{Op: "create directory", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return &IOError{Op: "create", Path: f.Path, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	writer := csv.NewWriter(tmp)
	for _, id := range sortedIDs(entries) {
		if err := writer.Write([]string{id, string(entries[id])}); err != nil {
			_ = tmp.Close()
			return &IOError{Op: "write", Path: tmpName, Err: err}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return &IOError{Op: "rename", Path: f.Path, Err: err}
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/pst-index/archive"
	"github.com/dhcgn/pst-index/config"
	"github.com/dhcgn/pst-index/filter"
	"github.com/dhcgn/pst-index/mbox"
	"github.com/dhcgn/pst-index/pstfile"
	"github.com/dhcgn/pst-index/search"
	"github.com/dhcgn/pst-index/search/meili"
	"github.com/dhcgn/pst-index/search/sqlite"
	"github.com/dhcgn/pst-index/state"
)

// openArchive picks the archive reader by file extension: .pst and .ost are
// Outlook files, anything else is read as mbox.
func openArchive(path string) (archive.Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pst", ".ost":
		s, err := pstfile.Open(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := mbox.Open(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// archiveOpener returns a function opening a fresh handle on every call.
func archiveOpener(path string) func() (archive.Store, error) {
	return func() (archive.Store, error) {
		return openArchive(path)
	}
}

func newSearchBackend(ctx context.Context, c config.Config) (search.Backend, error) {
	switch c.Search.Backend {
	case config.BackendSQLite:
		if dir := filepath.Dir(c.Search.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create index directory: %w", err)
			}
		}
		logger.Debug("opening sqlite index", "path", c.Search.SQLitePath, "driver", sqlite.DriverName, "build", sqlite.BuildMode)
		b, err := sqlite.Open(ctx, c.Search.SQLitePath)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		logger.Debug("using meilisearch", "url", c.Search.URL)
		b, err := meili.New(meili.Options{
			URL:          c.Search.URL,
			APIKey:       c.Search.APIKey,
			WaitForTasks: true,
			TaskTimeout:  5 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// progressBackend returns where progress is kept and a function releasing it.
func progressBackend(c config.Config) (state.Backend, func() error, error) {
	if c.Progress.Redis != "" {
		rb, err := state.NewRedisBackend(c.Progress.Redis, c.Progress.RedisKey)
		if err != nil {
			return nil, nil, err
		}
		return rb, rb.Close, nil
	}
	fb, err := state.NewFileBackend(c.Progress.File)
	if err != nil {
		return nil, nil, err
	}
	return fb, func() error { return nil }, nil
}

func newFolderFilter(c config.Config) (*filter.Filter, error) {
	if len(c.Filter.IncludeFolder) == 0 && len(c.Filter.ExcludeFolder) == 0 {
		return nil, nil
	}
	f, err := filter.New(filter.Options{Include: c.Filter.IncludeFolder, Exclude: c.Filter.ExcludeFolder})
	if err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}
	return f, nil
}

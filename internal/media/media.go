// Package media manages attachment files: post-send deletion and the daily
// reconciliation sweep that keeps the uploads directory from growing without
// bound.
package media

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	logx "sendlater/pkg/logx"
)

// BestEffortDelete removes an attachment file. A missing file is not an
// error (the task may have been cleaned up already); any other failure is
// logged and swallowed. Cleanup never fails the operation that triggered it.
func BestEffortDelete(path string, log logx.Logger) {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return
	}
	log.Warn("attachment delete failed", logx.String("path", path), logx.Err(err))
}

// ReferenceChecker answers whether any stored task still references an
// attachment path. Satisfied by store.Store.
type ReferenceChecker interface {
	TaskReferencesMedia(ctx context.Context, path string) (bool, error)
}

// Sweeper reconciles the uploads directory against the task store and
// deletes orphaned files.
type Sweeper struct {
	dir  string
	refs ReferenceChecker
	log  logx.Logger
}

func NewSweeper(dir string, refs ReferenceChecker, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{dir: dir, refs: refs, log: log}
}

// Sweep enumerates every file under the uploads dir and deletes those no
// task references. Individual failures (reference lookup or deletion) are
// logged and do not abort the sweep for the remaining files.
func (s *Sweeper) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	removed := 0
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, ent.Name())
		referenced, err := s.refs.TaskReferencesMedia(ctx, path)
		if err != nil {
			s.log.Warn("sweep: reference lookup failed", logx.String("path", path), logx.Err(err))
			continue
		}
		if referenced {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("sweep: delete failed", logx.String("path", path), logx.Err(err))
			continue
		}
		s.log.Info("pruned orphaned attachment", logx.String("path", path))
		removed++
	}
	if removed > 0 {
		s.log.Info("sweep complete", logx.Int("removed", removed), logx.Int("scanned", len(entries)))
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/hashicorp/go-multierror"
)

// Reap removes regular files in both directories whose modification time is
// older than maxAge. It returns how many files were removed. A non-positive
// maxAge disables reaping.
func (s *Store) Reap(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)

	var (
		removed int
		result  *multierror.Error
	)

	for _, dir := range []string{s.referenceDir, s.outputDir} {
		count, err := reapDir(dir, cutoff)
		removed += count

		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return removed, result.ErrorOrNil()
}

func reapDir(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var (
		removed int
		result  *multierror.Error
	)

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			// Removed concurrently.
			continue
		}

		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		removeErr := os.Remove(path)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			result = multierror.Append(result, fmt.Errorf("failed to remove '%s': %w", path, removeErr))

			continue
		}

		removed++
	}

	return removed, result.ErrorOrNil()
}

// RunReaper calls Reap every interval until ctx is done.
func (s *Store) RunReaper(ctx context.Context, interval, maxAge time.Duration, log *logger.Logger) {
	if interval <= 0 || maxAge <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Reap(maxAge)
			if err != nil {
				log.Warn("Transient file cleanup finished with errors: %v", err)
			}

			if removed > 0 {
				log.Info("Removed %d transient files older than %s", removed, maxAge)
			}
		}
	}
}

// Package store manages the transient reference uploads and generated outputs on local disk.
//
// Every entry is named from a fresh UUID so concurrent requests never collide,
// and the store never overwrites an existing file.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Role tells whether a transient file is an uploaded reference or a generated output.
type Role string

const (
	// RoleReference is an uploaded reference clip.
	RoleReference Role = "reference"
	// RoleOutput is a generated waveform.
	RoleOutput Role = "output"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600

	outputExtension        = ".wav"
	nameSeparator          = "_"
	fallbackFilename       = "reference"
	invalidCharReplacement = "_"
)

var (
	// ErrDirectoryMissing indicates a store directory disappeared after startup.
	ErrDirectoryMissing = errors.New("store directory is missing")
	// ErrDirectoryEmpty indicates a store directory path was not configured.
	ErrDirectoryEmpty = errors.New("store directory path cannot be empty")
	// ErrForeignFile indicates a file does not belong to this store.
	ErrForeignFile = errors.New("file does not belong to the store")
)

// File is one transient audio file.
type File struct {
	ID   string
	Path string
	Role Role
}

// Store owns the reference and output directories.
type Store struct {
	referenceDir string
	outputDir    string
}

// New creates the directories if absent and returns a store rooted at them.
func New(referenceDir, outputDir string) (*Store, error) {
	if referenceDir == "" || outputDir == "" {
		return nil, ErrDirectoryEmpty
	}

	for _, dir := range []string{referenceDir, outputDir} {
		ensureErr := ensureDir(dir)
		if ensureErr != nil {
			return nil, ensureErr
		}
	}

	return &Store{
		referenceDir: referenceDir,
		outputDir:    outputDir,
	}, nil
}

// ReferenceDir returns the directory holding uploaded references.
func (s *Store) ReferenceDir() string {
	return s.referenceDir
}

// OutputDir returns the directory holding generated outputs.
func (s *Store) OutputDir() string {
	return s.outputDir
}

// StoreReference writes src verbatim to a freshly named file in the reference directory.
func (s *Store) StoreReference(src io.Reader, originalFilename string) (File, error) {
	dirErr := requireDir(s.referenceDir)
	if dirErr != nil {
		return File{}, dirErr
	}

	id := uuid.NewString()
	name := id + nameSeparator + SanitizeFilename(originalFilename)
	path := filepath.Join(s.referenceDir, name)

	// O_EXCL guarantees an existing name is never reused.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePermissions)
	if err != nil {
		return File{}, fmt.Errorf("failed to create reference file '%s': %w", path, err)
	}

	_, copyErr := io.Copy(file, src)
	closeErr := file.Close()

	if copyErr != nil {
		_ = os.Remove(path)

		return File{}, fmt.Errorf("failed to write reference file '%s': %w", path, copyErr)
	}

	if closeErr != nil {
		_ = os.Remove(path)

		return File{}, fmt.Errorf("failed to close reference file '%s': %w", path, closeErr)
	}

	return File{ID: id, Path: path, Role: RoleReference}, nil
}

// ReserveOutput allocates a fresh output path. The file itself is not created.
func (s *Store) ReserveOutput() (File, error) {
	dirErr := requireDir(s.outputDir)
	if dirErr != nil {
		return File{}, dirErr
	}

	id := uuid.NewString()

	return File{
		ID:   id,
		Path: filepath.Join(s.outputDir, id+outputExtension),
		Role: RoleOutput,
	}, nil
}

// Remove deletes a transient file. Removing a file that is already gone is not an error.
func (s *Store) Remove(file File) error {
	dir := s.referenceDir
	if file.Role == RoleOutput {
		dir = s.outputDir
	}

	if filepath.Dir(file.Path) != filepath.Clean(dir) {
		return fmt.Errorf("%w: %s", ErrForeignFile, file.Path)
	}

	err := os.Remove(file.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove '%s': %w", file.Path, err)
	}

	return nil
}

// SanitizeFilename reduces an uploaded filename to a safe base name.
func SanitizeFilename(filename string) string {
	// Normalize Windows separators before taking the base name.
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))

	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
		"\x00", invalidCharReplacement,
	)

	base = strings.TrimSpace(replacer.Replace(base))
	if base == "" || base == "." || base == ".." {
		return fallbackFilename
	}

	return base
}

func ensureDir(path string) error {
	mkdirErr := os.MkdirAll(path, dirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, mkdirErr)
	}

	return nil
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDirectoryMissing, path, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirectoryMissing, path)
	}

	return nil
}

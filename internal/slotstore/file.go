package slotstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/MrWong99/casekeep/internal/slotcodec"
)

const (
	slotFileExt   = ".save"
	legacyFileExt = ".json"
	retiredSuffix = ".migrated"

	// maxHeaderBytes caps how much of a file ReadHeader consumes.
	maxHeaderBytes = 64 << 10
)

// FileBackend stores each slot as <root>/<case>/<player>/<slot>.save. The
// first line of a file is the slot header, so listing reads one line per
// slot. Writes go to a temporary file in the same directory which is synced,
// read back and compared before it atomically replaces the slot file.
type FileBackend struct {
	root string

	// beforeRename runs after the temporary file is verified and before it
	// replaces the slot. Tests use it to simulate a crash.
	beforeRename func(path string) error
}

var (
	_ Backend      = (*FileBackend)(nil)
	_ LegacySource = (*FileBackend)(nil)
)

// NewFileBackend creates root if needed and returns a backend storing slots
// below it.
func NewFileBackend(root string) (*FileBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("slotstore: create save directory: %w", err)
	}
	return &FileBackend{root: root}, nil
}

// Root returns the directory holding the saves.
func (b *FileBackend) Root() string { return b.root }

func (b *FileBackend) slotPath(key Key) string {
	return filepath.Join(b.root, key.CaseID, key.PlayerID, key.SlotID+slotFileExt)
}

func (b *FileBackend) legacyPath(caseID, playerID string) string {
	return filepath.Join(b.root, caseID+"_"+playerID+legacyFileExt)
}

func (b *FileBackend) Read(_ context.Context, key Key) (slotcodec.Record, error) {
	data, err := os.ReadFile(b.slotPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return slotcodec.Record{}, ErrNotFound
	}
	if err != nil {
		return slotcodec.Record{}, err
	}
	return slotcodec.SplitRecord(data), nil
}

func (b *FileBackend) ReadHeader(_ context.Context, key Key) ([]byte, error) {
	f, err := os.Open(b.slotPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	line, err := bufio.NewReader(io.LimitReader(f, maxHeaderBytes)).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return bytes.TrimSuffix(line, []byte{'\n'}), nil
}

func (b *FileBackend) Write(_ context.Context, key Key, rec slotcodec.Record) error {
	path := b.slotPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data := rec.Bytes()

	pf, err := renameio.NewPendingFile(path, renameio.WithTempDir(dir), renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer pf.Cleanup()

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := pf.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	written, err := os.ReadFile(pf.Name())
	if err != nil {
		return fmt.Errorf("verify temp file: %w", err)
	}
	if !bytes.Equal(written, data) {
		return fmt.Errorf("verify temp file: read back %d bytes, wrote %d", len(written), len(data))
	}

	if b.beforeRename != nil {
		if err := b.beforeRename(path); err != nil {
			return err
		}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace slot file: %w", err)
	}
	return syncDir(dir)
}

func (b *FileBackend) Delete(_ context.Context, key Key) (bool, error) {
	err := os.Remove(b.slotPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *FileBackend) Ping(context.Context) error {
	fi, err := os.Stat(b.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", b.root)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }

// ReadLegacy reads <root>/<case>_<player>.json.
func (b *FileBackend) ReadLegacy(_ context.Context, caseID, playerID string) ([]byte, error) {
	data, err := os.ReadFile(b.legacyPath(caseID, playerID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// RetireLegacy renames the legacy file with a .migrated suffix.
func (b *FileBackend) RetireLegacy(_ context.Context, caseID, playerID string) error {
	path := b.legacyPath(caseID, playerID)
	return os.Rename(path, path+retiredSuffix)
}

// syncDir flushes a directory entry update to disk.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// Package vfs routes file access either to the operating system or to a
// process-wide in-memory file system. Names starting with MemPrefix live in
// memory; every other name is an OS path.
package vfs

import (
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/avfs/avfs"
	"github.com/avfs/avfs/vfs/memfs"
	"github.com/avfs/avfs/vfs/osfs"
	"github.com/pkg/errors"
)

// MemPrefix marks names stored in memory.
const MemPrefix = "/vsimem/"

// maxLinks bounds symlink chains.
const maxLinks = 40

var (
	memFS avfs.VFS = memfs.New()
	osFS  avfs.VFS = osfs.New()
)

// ErrTooManyLinks is returned for symlink loops.
var ErrTooManyLinks = errors.New("too many levels of symbolic links")

// IsMem reports whether name lives in the in-memory file system.
func IsMem(name string) bool {
	return strings.HasPrefix(name, MemPrefix)
}

func fsFor(name string) avfs.VFS {
	if IsMem(name) {
		return memFS
	}
	return osFS
}

// ReadFile returns the contents of name.
func ReadFile(name string) ([]byte, error) {
	b, err := fsFor(name).ReadFile(name)
	return b, errors.Wrapf(err, "read %s", name)
}

// WriteFile replaces the contents of name, creating parent directories.
func WriteFile(name string, data []byte) error {
	fsys := fsFor(name)
	if err := fsys.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", name)
	}
	return errors.Wrapf(fsys.WriteFile(name, data, 0o644), "write %s", name)
}

// Header returns up to n leading bytes of name.
func Header(name string, n int) ([]byte, error) {
	f, err := fsFor(name).Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	m, err := io.ReadFull(f, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return buf[:m], err
}

// Stat returns file information, following symlinks.
func Stat(name string) (fs.FileInfo, error) {
	return fsFor(name).Stat(name)
}

// Exists reports whether name can be stat'ed.
func Exists(name string) bool {
	_, err := Stat(name)
	return err == nil
}

// Remove deletes name.
func Remove(name string) error {
	return fsFor(name).Remove(name)
}

// Symlink creates newname pointing at oldname. Both must live in the same
// file system.
func Symlink(oldname, newname string) error {
	fsys := fsFor(newname)
	if err := fsys.MkdirAll(filepath.Dir(newname), 0o755); err != nil {
		return err
	}
	return fsys.Symlink(oldname, newname)
}

// ResolveLink follows name while it is a symbolic link and returns the
// final target. A name that does not exist is returned unchanged.
func ResolveLink(name string) (string, error) {
	fsys := fsFor(name)
	for i := 0; i < maxLinks; i++ {
		fi, err := fsys.Lstat(name)
		if err != nil || fi.Mode()&fs.ModeSymlink == 0 {
			return name, nil
		}
		target, err := fsys.Readlink(name)
		if err != nil {
			return name, errors.Wrapf(err, "readlink %s", name)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(name), target)
		}
		name = target
	}
	return name, errors.Wrapf(ErrTooManyLinks, "%s", name)
}

// Resolve returns the file a descriptor at base refers to with name. When
// relative is set and name is neither absolute nor in memory, it is taken
// relative to the directory of base after following base's symlinks.
func Resolve(base, name string, relative bool) string {
	if !relative || name == "" || filepath.IsAbs(name) || IsMem(name) || base == "" {
		return name
	}
	resolved, err := ResolveLink(base)
	if err != nil {
		resolved = base
	}
	return filepath.Join(filepath.Dir(resolved), name)
}

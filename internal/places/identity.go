package places

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

// Identity is the canonical registry key for a database.
//
// Two inputs that name the same database must produce equal identities, so
// callers build them with FileIdentity or MemoryIdentity rather than by hand.
type Identity struct {
	name   string
	memory bool
}

// FileIdentity canonicalizes a filesystem path.
//
// The path is made absolute and cleaned, and symlinks are resolved: for an
// existing file the file itself, otherwise its parent directory. A path whose
// parent does not exist yet is used as cleaned.
func FileIdentity(path string) (Identity, error) {
	if path == "" {
		return Identity{}, ErrInvalidIdentity
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Identity{}, fmt.Errorf("resolving %q: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	switch {
	case err == nil:
		return Identity{name: resolved}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return Identity{}, fmt.Errorf("resolving %q: %w", path, err)
	}

	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Identity{name: abs}, nil
		}
		return Identity{}, fmt.Errorf("resolving %q: %w", path, err)
	}
	return Identity{name: filepath.Join(dir, filepath.Base(abs))}, nil
}

// MemoryIdentity names a shared in-memory database. Every connection opened
// for the same name sees the same data while at least one stays open.
func MemoryIdentity(name string) Identity {
	return Identity{name: name, memory: true}
}

// Name returns the cleaned path or the memory database name.
func (id Identity) Name() string {
	return id.name
}

// IsMemory reports whether the identity names a shared memory database.
func (id Identity) IsMemory() bool {
	return id.memory
}

// String returns the registry key. Memory names use the shared-cache URI so
// they can never collide with a file path.
func (id Identity) String() string {
	if id.memory {
		return "file:" + id.name + "?mode=memory&cache=shared"
	}
	return id.name
}

func (id Identity) valid() bool {
	return id.name != ""
}

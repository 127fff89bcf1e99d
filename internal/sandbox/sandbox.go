// Package sandbox resolves remote virtual paths onto the filesystem while
// guaranteeing every result stays under a single root directory. It is the
// only producer of real OS paths in the protocol core.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/zulfikawr/ferry/internal/protoerr"
)

// Sandbox confines path resolution to a root directory.
type Sandbox struct {
	root string // canonical absolute root
}

// New creates a sandbox rooted at dir, creating it if needed.
func New(dir string) (*Sandbox, error) {
	if dir == "" {
		return nil, protoerr.New(protoerr.KindInvalidPath, "empty root directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, protoerr.Wrap(protoerr.KindInternal, err, "create root %s", dir)
	}
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindInternal, err, "canonicalize root %s", dir)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindInternal, err, "absolutize root %s", dir)
	}
	return &Sandbox{root: root}, nil
}

// Root returns the canonical root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps a virtual path (leading "/" optional, empty means root) to an
// OS path proven to lie under the root. Escapes fail with invalid-path.
func (s *Sandbox) Resolve(virtual string) (string, error) {
	if strings.ContainsRune(virtual, 0) {
		return "", protoerr.InvalidPath(virtual)
	}

	rel := strings.TrimPrefix(virtual, "/")
	if rel == "" {
		return s.root, nil
	}

	joined := filepath.Join(s.root, filepath.FromSlash(rel))

	// Canonicalize through the nearest existing ancestor so ".." and
	// symlinks cannot step outside the root even for paths that do not
	// exist yet.
	canon, err := canonicalize(joined)
	if err != nil {
		return "", protoerr.Wrap(protoerr.KindInvalidPath, err, "invalid path: %s", virtual)
	}

	if canon != s.root && !strings.HasPrefix(canon, s.root+string(filepath.Separator)) {
		return "", protoerr.InvalidPath(virtual)
	}
	return canon, nil
}

// Rel converts a resolved OS path back into the virtual form clients see.
func (s *Sandbox) Rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// canonicalize resolves symlinks for the longest existing prefix of path and
// re-joins the non-existent remainder lexically.
func canonicalize(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return filepath.Abs(resolved)
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir, base := filepath.Split(filepath.Clean(path))
	dir = filepath.Clean(dir)
	if dir == path {
		// Hit the filesystem root without finding an existing ancestor.
		return filepath.Abs(path)
	}
	parent, err := canonicalize(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, base), nil
}

// Package fileops implements the stateless file operations: listing,
// metadata, directory creation, deletion, rename/move, and whole-file
// transfers. All paths come in virtual and go through the sandbox.
package fileops

import (
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/ferry/internal/logging"
	"github.com/zulfikawr/ferry/internal/protoerr"
	"github.com/zulfikawr/ferry/internal/sandbox"
	"github.com/zulfikawr/ferry/internal/wire"
)

// WholeFileAdvisory is the payload size above which whole-file transfers
// log a warning steering clients to the chunked session path.
const WholeFileAdvisory = 2 << 20

// Ops performs file operations confined to a sandbox.
type Ops struct {
	sb *sandbox.Sandbox
}

// New creates file operations over the given sandbox.
func New(sb *sandbox.Sandbox) *Ops {
	return &Ops{sb: sb}
}

// statInfo builds the FileInfo record for one directory entry.
func (o *Ops) statInfo(abs string, fi os.FileInfo) wire.FileInfo {
	entryType := "file"
	size := fi.Size()
	mimeType := mime.TypeByExtension(filepath.Ext(fi.Name()))
	if fi.IsDir() {
		entryType = "directory"
		size = 0
		mimeType = "inode/directory"
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	// Strip encoding parameters ("text/plain; charset=utf-8" -> "text/plain")
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	perm := fi.Mode().Perm()
	return wire.FileInfo{
		Name:         fi.Name(),
		Path:         o.sb.Rel(abs),
		Type:         entryType,
		Size:         size,
		LastModified: fi.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		Permissions:  permOctal(perm),
		Readonly:     perm&0o200 == 0,
		MimeType:     mimeType,
	}
}

func permOctal(perm os.FileMode) string {
	digits := []byte{
		'0' + byte(perm>>6&7),
		'0' + byte(perm>>3&7),
		'0' + byte(perm&7),
	}
	return string(digits)
}

// List enumerates the immediate children of a directory, sorted by name
// case-insensitively.
func (o *Ops) List(path string) ([]wire.FileInfo, error) {
	abs, err := o.sb.Resolve(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, protoerr.NotFound(path)
	}
	if !fi.IsDir() {
		return nil, protoerr.WrongType(path, "directory")
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindInternal, err, "read directory %s", path)
	}

	infos := make([]wire.FileInfo, 0, len(entries))
	for _, entry := range entries {
		st, err := entry.Info()
		if err != nil {
			// Entry vanished between ReadDir and Info
			continue
		}
		infos = append(infos, o.statInfo(filepath.Join(abs, entry.Name()), st))
	}
	sort.Slice(infos, func(i, j int) bool {
		return strings.ToLower(infos[i].Name) < strings.ToLower(infos[j].Name)
	})
	return infos, nil
}

// Info returns metadata for a single regular file.
func (o *Ops) Info(path string) (wire.FileInfo, error) {
	abs, err := o.sb.Resolve(path)
	if err != nil {
		return wire.FileInfo{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return wire.FileInfo{}, protoerr.NotFound(path)
	}
	if fi.IsDir() {
		return wire.FileInfo{}, protoerr.WrongType(path, "file")
	}
	return o.statInfo(abs, fi), nil
}

// CreateDir creates a directory (with parents) under path. Refuses when the
// target already exists.
func (o *Ops) CreateDir(path, name string) (string, error) {
	if name == "" {
		return "", protoerr.MissingParameter("name")
	}
	virtual := strings.TrimSuffix(path, "/") + "/" + name
	abs, err := o.sb.Resolve(virtual)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err == nil {
		return "", protoerr.AlreadyExists(virtual)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", protoerr.Wrap(protoerr.KindInternal, err, "create directory %s", virtual)
	}
	return o.sb.Rel(abs), nil
}

// Delete removes a regular file, or a directory tree recursively. The
// returned string names the kind that was removed.
func (o *Ops) Delete(path string) (string, error) {
	abs, err := o.sb.Resolve(path)
	if err != nil {
		return "", err
	}
	if abs == o.sb.Root() {
		return "", protoerr.InvalidPath(path)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", protoerr.NotFound(path)
	}
	if fi.IsDir() {
		if err := os.RemoveAll(abs); err != nil {
			return "", protoerr.Wrap(protoerr.KindInternal, err, "remove directory %s", path)
		}
		return "directory", nil
	}
	if err := os.Remove(abs); err != nil {
		return "", protoerr.Wrap(protoerr.KindInternal, err, "remove file %s", path)
	}
	return "file", nil
}

// Rename renames a file in place, or moves it when newPath is non-empty.
func (o *Ops) Rename(path, newName, newPath string) (string, error) {
	src, err := o.sb.Resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		return "", protoerr.NotFound(path)
	}

	var dst string
	switch {
	case newPath != "":
		dst, err = o.sb.Resolve(newPath)
	case newName != "":
		virtual := o.sb.Rel(filepath.Dir(src))
		dst, err = o.sb.Resolve(strings.TrimSuffix(virtual, "/") + "/" + newName)
	default:
		return "", protoerr.MissingParameter("newName")
	}
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(filepath.Dir(dst)); err != nil {
		return "", protoerr.NotFound(o.sb.Rel(filepath.Dir(dst)))
	}
	if _, err := os.Stat(dst); err == nil {
		return "", protoerr.AlreadyExists(o.sb.Rel(dst))
	}
	if err := os.Rename(src, dst); err != nil {
		return "", protoerr.Wrap(protoerr.KindInternal, err, "rename %s", path)
	}
	return o.sb.Rel(dst), nil
}

// Write stores a whole file under path/filename, creating parents. Meant
// for small payloads; large ones get an advisory pointing at the chunked
// session path.
func (o *Ops) Write(path, filename string, data []byte) (string, error) {
	if filename == "" {
		return "", protoerr.MissingParameter("filename")
	}
	virtual := strings.TrimSuffix(path, "/") + "/" + filename
	abs, err := o.sb.Resolve(virtual)
	if err != nil {
		return "", err
	}
	if len(data) > WholeFileAdvisory {
		logging.Warn("Large whole-file upload; chunked sessions are preferred",
			zap.String("path", virtual), zap.Int("size", len(data)))
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", protoerr.Wrap(protoerr.KindInternal, err, "create parent of %s", virtual)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", protoerr.Wrap(protoerr.KindInternal, err, "write %s", virtual)
	}
	return o.sb.Rel(abs), nil
}

// Read returns a whole file as bytes, with the same size advisory.
func (o *Ops) Read(path string) ([]byte, os.FileInfo, error) {
	abs, err := o.sb.Resolve(path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, nil, protoerr.NotFound(path)
	}
	if fi.IsDir() {
		return nil, nil, protoerr.WrongType(path, "file")
	}
	if fi.Size() > WholeFileAdvisory {
		logging.Warn("Large whole-file download; chunked sessions are preferred",
			zap.String("path", path), zap.Int64("size", fi.Size()))
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, nil, protoerr.Wrap(protoerr.KindInternal, err, "read %s", path)
	}
	return data, fi, nil
}

// Touch is used by the fixture seeder: writes content only when the file
// does not exist yet.
func (o *Ops) Touch(path string, content []byte, mtime time.Time) error {
	abs, err := o.sb.Resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return err
	}
	if !mtime.IsZero() {
		return os.Chtimes(abs, mtime, mtime)
	}
	return nil
}

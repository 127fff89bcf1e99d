package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zulfikawr/ferry/internal/protoerr"
)

func newSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return sb
}

func TestResolveInsideRoot(t *testing.T) {
	sb := newSandbox(t)

	tests := []struct {
		virtual string
		want    string
	}{
		{"", sb.Root()},
		{"/", sb.Root()},
		{"/a.txt", filepath.Join(sb.Root(), "a.txt")},
		{"docs/sub/file.bin", filepath.Join(sb.Root(), "docs", "sub", "file.bin")},
		{"/docs/./a.txt", filepath.Join(sb.Root(), "docs", "a.txt")},
	}
	for _, tt := range tests {
		got, err := sb.Resolve(tt.virtual)
		if err != nil {
			t.Errorf("Resolve(%q) error = %v", tt.virtual, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.virtual, got, tt.want)
		}
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	sb := newSandbox(t)

	escapes := []string{
		"/../outside.txt",
		"../outside.txt",
		"/docs/../../etc/passwd",
		"/../../../../etc/passwd",
		"/a\x00b",
	}
	for _, v := range escapes {
		_, err := sb.Resolve(v)
		if err == nil {
			t.Errorf("Resolve(%q) succeeded, want invalid-path", v)
			continue
		}
		if protoerr.KindOf(err) != protoerr.KindInvalidPath {
			t.Errorf("Resolve(%q) kind = %q, want invalid-path", v, protoerr.KindOf(err))
		}
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	sb := newSandbox(t)

	outside := t.TempDir()
	link := filepath.Join(sb.Root(), "leak")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := sb.Resolve("/leak/secret.txt"); err == nil {
		t.Error("symlink escape resolved, want invalid-path")
	} else if protoerr.KindOf(err) != protoerr.KindInvalidPath {
		t.Errorf("kind = %q, want invalid-path", protoerr.KindOf(err))
	}
}

func TestResolveNonexistentStaysInside(t *testing.T) {
	sb := newSandbox(t)

	got, err := sb.Resolve("/new/deep/tree/file.txt")
	if err != nil {
		t.Fatalf("Resolve error = %v", err)
	}
	want := filepath.Join(sb.Root(), "new", "deep", "tree", "file.txt")
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
}

func TestRel(t *testing.T) {
	sb := newSandbox(t)

	if got := sb.Rel(sb.Root()); got != "/" {
		t.Errorf("Rel(root) = %q, want /", got)
	}
	abs := filepath.Join(sb.Root(), "docs", "a.txt")
	if got := sb.Rel(abs); got != "/docs/a.txt" {
		t.Errorf("Rel = %q, want /docs/a.txt", got)
	}
}

func TestNewEmptyRoot(t *testing.T) {
	_, err := New("")
	var pe *protoerr.Error
	if !errors.As(err, &pe) {
		t.Fatalf("New(\"\") error = %v, want protoerr", err)
	}
}

package utils

import (
	"path/filepath"
	"testing"
)

func TestIsPathWithin(t *testing.T) {
	root := t.TempDir()
	child := filepath.Join(root, "a", "b.txt")
	outside := filepath.Join(filepath.Dir(root), "outside.txt")

	if !IsPathWithin(child, []string{root}) {
		t.Fatalf("expected %s to be within %s", child, root)
	}
	if IsPathWithin(outside, []string{root}) {
		t.Fatalf("did not expect %s to be within %s", outside, root)
	}
}

func TestIsPathWithinMultipleRoots(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	inB := filepath.Join(rootB, "nested", "file.txt")

	if !IsPathWithin(inB, []string{rootA, rootB}) {
		t.Fatalf("expected path under second root to be accepted")
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()
	got, err := SafeJoin(root, "dir/tool.bin")
	if err != nil {
		t.Fatalf("SafeJoin: %v", err)
	}
	if got != filepath.Join(root, "dir", "tool.bin") {
		t.Fatalf("unexpected join: %s", got)
	}
	if got, err := SafeJoin(root, "/etc/passwd"); err != nil || got != filepath.Join(root, "etc", "passwd") {
		t.Fatalf("absolute member should be rooted: %s %v", got, err)
	}
	for _, bad := range []string{"../escape", "a/../../escape", ".", ""} {
		if _, err := SafeJoin(root, bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

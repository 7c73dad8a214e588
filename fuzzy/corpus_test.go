package fuzzy

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"forksentry/logger"
)

func init() {
	logger.Init("error")
}

func sample(seed int64, size int) []byte {
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(r.Intn(256))
	}
	return buf
}

func TestRegistryHasTLSH(t *testing.T) {
	if _, ok := Lookup("TLSH"); !ok {
		t.Fatal("expected tlsh to be registered")
	}
	found := false
	for _, name := range Available() {
		if name == "tlsh" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tlsh missing from %v", Available())
	}
}

func TestTLSHTooSmall(t *testing.T) {
	if _, err := (TLSHHasher{}).Hash([]byte("tiny")); err != ErrTooSmall {
		t.Fatalf("expected ErrTooSmall, got %v", err)
	}
}

func TestCorpusClosestExactMatch(t *testing.T) {
	content := sample(1, 4096)
	digest, err := TLSHHasher{}.Hash(content)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	corpus := NewCorpus([]Reference{
		{Family: "coinminer", Algorithm: "tlsh", Digest: digest},
		{Family: "broken", Algorithm: "tlsh", Digest: "not-a-digest"},
		{Family: "other", Algorithm: "ssdeep", Digest: "x"},
	})
	if corpus.Len() != 2 {
		t.Fatalf("expected unknown algorithm dropped, got %d entries", corpus.Len())
	}
	match, ok, err := corpus.Closest(content, 10)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	if match.Family != "coinminer" || match.Distance != 0 {
		t.Fatalf("unexpected match: %+v", match)
	}
}

func TestCorpusClosestRejectsUnrelated(t *testing.T) {
	digest, err := TLSHHasher{}.Hash(sample(1, 4096))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	corpus := NewCorpus([]Reference{{Family: "coinminer", Digest: digest}})
	if _, ok, err := corpus.Closest(sample(99, 4096), 20); ok || err != nil {
		t.Fatalf("unrelated content should not match (err=%v)", err)
	}
	if _, ok, err := corpus.Closest([]byte("short"), 1000); ok || err != nil {
		t.Fatalf("tiny content should be skipped (err=%v)", err)
	}
}

func TestLoadCorpus(t *testing.T) {
	digest, err := TLSHHasher{}.Hash(sample(7, 2048))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	path := filepath.Join(t.TempDir(), "corpus.yaml")
	data := strings.Join([]string{
		"references:",
		"  - family: backdoor",
		"    digest: " + digest,
	}, "\n")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	corpus, err := LoadCorpus(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if corpus.Len() != 1 {
		t.Fatalf("expected one reference, got %d", corpus.Len())
	}
	if _, err := LoadCorpus(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing corpus error")
	}
}

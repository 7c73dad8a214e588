package scanner

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"forksentry/logger"

	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"
)

// intelRecordSize is one index record: the raw digest then a label id.
const intelRecordSize = sha256.Size + 2

// HashIntel matches sample digests against a known-bad list. Only an xor
// filter stays in memory; the digests live in a sorted record file that is
// read when the filter reports a possible match.
type HashIntel struct {
	filter *xorfilter.Xor8
	index  *os.File
	count  int
	labels []string
	// lookups counts index reads, i.e. filter hits.
	lookups atomic.Int64
}

// LoadHashIntel reads one "sha256 [label]" entry per line and writes the
// record file into dir. Blank lines and lines starting with '#' are ignored.
func LoadHashIntel(path, dir string) (*HashIntel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := make(map[string]string)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		digest, label, _ := strings.Cut(text, " ")
		if !validSHA256(digest) {
			logger.Warnf("Skipping hash intel line %d: not a sha256 digest", line)
			continue
		}
		entries[strings.ToLower(digest)] = strings.TrimSpace(label)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read hash intel %s: %w", path, err)
	}
	return NewHashIntel(entries, dir)
}

type intelRecord struct {
	digest [sha256.Size]byte
	label  string
}

// NewHashIntel builds the filter and record file from digest→label entries.
// An empty label falls back to "known-bad".
func NewHashIntel(entries map[string]string, dir string) (*HashIntel, error) {
	byDigest := make(map[[sha256.Size]byte]string, len(entries))
	for digest, label := range entries {
		raw, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(digest)))
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("hash intel entry %q is not a sha256 digest", digest)
		}
		if label == "" {
			label = "known-bad"
		}
		byDigest[[sha256.Size]byte(raw)] = label
	}
	h := &HashIntel{count: len(byDigest)}
	if h.count == 0 {
		return h, nil
	}

	records := make([]intelRecord, 0, len(byDigest))
	for d, label := range byDigest {
		records = append(records, intelRecord{digest: d, label: label})
	}
	sort.Slice(records, func(i, j int) bool {
		return bytes.Compare(records[i].digest[:], records[j].digest[:]) < 0
	})

	keys, err := h.writeIndex(records, dir)
	if err != nil {
		return nil, err
	}
	filter, err := xorfilter.Populate(keys)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("build hash intel filter: %w", err)
	}
	h.filter = filter
	return h, nil
}

// writeIndex stores the sorted records and returns their filter keys.
func (h *HashIntel) writeIndex(records []intelRecord, dir string) ([]uint64, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create hash intel dir: %w", err)
		}
	}
	f, err := os.CreateTemp(dir, "hashintel-*.idx")
	if err != nil {
		return nil, fmt.Errorf("create hash intel index: %w", err)
	}
	h.index = f

	ids := map[string]uint16{}
	keys := make([]uint64, 0, len(records))
	seen := make(map[uint64]struct{}, len(records))
	w := bufio.NewWriter(f)
	rec := make([]byte, intelRecordSize)
	for _, r := range records {
		id, ok := ids[r.label]
		if !ok {
			if len(h.labels) > math.MaxUint16 {
				h.Close()
				return nil, fmt.Errorf("hash intel has more than %d distinct labels", math.MaxUint16+1)
			}
			id = uint16(len(h.labels))
			ids[r.label] = id
			h.labels = append(h.labels, r.label)
		}
		copy(rec, r.digest[:])
		binary.BigEndian.PutUint16(rec[sha256.Size:], id)
		if _, err := w.Write(rec); err != nil {
			h.Close()
			return nil, fmt.Errorf("write hash intel index: %w", err)
		}
		k := xxhash.Sum64(r.digest[:])
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	if err := w.Flush(); err != nil {
		h.Close()
		return nil, fmt.Errorf("write hash intel index: %w", err)
	}
	return keys, nil
}

func (h *HashIntel) Name() string { return "hashintel" }

func (h *HashIntel) Len() int { return h.count }

func (h *HashIntel) Scan(ctx context.Context, sample Sample) ([]string, error) {
	if h.filter == nil {
		return nil, nil
	}
	raw, err := hex.DecodeString(sample.SHA256)
	if err != nil || len(raw) != sha256.Size {
		return nil, nil
	}
	if !h.filter.Contains(xxhash.Sum64(raw)) {
		return nil, nil
	}
	label, ok, err := h.lookup([sha256.Size]byte(raw))
	if err != nil || !ok {
		return nil, err
	}
	return []string{"hashintel:" + label}, nil
}

// lookup binary searches the record file for digest.
func (h *HashIntel) lookup(digest [sha256.Size]byte) (string, bool, error) {
	h.lookups.Add(1)
	rec := make([]byte, intelRecordSize)
	var readErr error
	i := sort.Search(h.count, func(i int) bool {
		if readErr != nil {
			return true
		}
		if _, err := h.index.ReadAt(rec, int64(i)*intelRecordSize); err != nil {
			readErr = err
			return true
		}
		return bytes.Compare(rec[:sha256.Size], digest[:]) >= 0
	})
	if readErr != nil {
		return "", false, fmt.Errorf("read hash intel index: %w", readErr)
	}
	if i >= h.count {
		return "", false, nil
	}
	if _, err := h.index.ReadAt(rec, int64(i)*intelRecordSize); err != nil {
		return "", false, fmt.Errorf("read hash intel index: %w", err)
	}
	if !bytes.Equal(rec[:sha256.Size], digest[:]) {
		return "", false, nil
	}
	return h.labels[binary.BigEndian.Uint16(rec[sha256.Size:])], true, nil
}

// Close removes the record file.
func (h *HashIntel) Close() error {
	if h.index == nil {
		return nil
	}
	name := h.index.Name()
	err := h.index.Close()
	h.index = nil
	h.filter = nil
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}

func validSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"forksentry/logger"

	"lukechampine.com/blake3"
)

// SHA256 returns the hex digest of exactly the given bytes.
func SHA256(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ContentKey is a fast identity for deduplicating identical payloads within a
// batch. It is not part of any report.
func ContentKey(content []byte) [32]byte {
	return blake3.Sum256(content)
}

// ComputeBytes hashes an in-memory artifact with every requested algorithm.
// Unknown algorithms are skipped with a warning.
func ComputeBytes(content []byte, algorithms []string) map[string]string {
	hashes := make(map[string]string, len(algorithms))
	for _, algo := range algorithms {
		if _, ok := hashes[algo]; ok {
			continue
		}
		var h hash.Hash
		switch algo {
		case "md5":
			h = md5.New()
		case "sha1":
			h = sha1.New()
		case "sha256":
			h = sha256.New()
		default:
			logger.Warnf("Unsupported hash algorithm: %s", algo)
			continue
		}
		_, _ = h.Write(content)
		hashes[algo] = hex.EncodeToString(h.Sum(nil))
	}
	return hashes
}

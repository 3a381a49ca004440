package satchel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ChecksumAlgorithm selects the digest function used to stamp entries.
type ChecksumAlgorithm string

const (
	// ChecksumXXHash64 is the default fast digest for cache entries.
	ChecksumXXHash64 ChecksumAlgorithm = "xxh64"
	// ChecksumSHA256 is the stronger digest used for backup archives.
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
)

// ChecksumEngine computes and verifies content digests over canonically
// serialized documents. Digests are self-describing ("algo:hex") so that the
// algorithm can change without invalidating previously stamped entries.
type ChecksumEngine struct {
	algorithm ChecksumAlgorithm
}

// NewChecksumEngine creates a checksum engine. An empty algorithm defaults to
// xxhash64.
func NewChecksumEngine(algorithm ChecksumAlgorithm) *ChecksumEngine {
	if algorithm == "" {
		algorithm = ChecksumXXHash64
	}
	return &ChecksumEngine{algorithm: algorithm}
}

// Sum computes the digest of raw serialized bytes.
func (ce *ChecksumEngine) Sum(data []byte) string {
	return sumWith(ce.algorithm, data)
}

// SumDocument serializes the document canonically and digests the result.
func (ce *ChecksumEngine) SumDocument(doc Document) (string, error) {
	data, err := doc.Marshal()
	if err != nil {
		return "", err
	}
	return ce.Sum(data), nil
}

// Verify recomputes the digest of data using the algorithm recorded in the
// stored digest and compares. A mismatch returns ErrChecksumMismatch.
func (ce *ChecksumEngine) Verify(data []byte, digest string) error {
	algo, _, ok := splitDigest(digest)
	if !ok {
		return fmt.Errorf("%w: malformed digest %q", ErrChecksumMismatch, digest)
	}
	if sumWith(algo, data) != digest {
		return ErrChecksumMismatch
	}
	return nil
}

// VerifyDocument checks a document against its stored digest after a
// round-trip through the serializer, so a document that cannot survive
// serialize/deserialize also fails here.
func (ce *ChecksumEngine) VerifyDocument(doc Document, digest string) error {
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if _, err := DecodeDocument(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return ce.Verify(data, digest)
}

func sumWith(algo ChecksumAlgorithm, data []byte) string {
	switch algo {
	case ChecksumSHA256:
		sum := sha256.Sum256(data)
		return string(ChecksumSHA256) + ":" + hex.EncodeToString(sum[:])
	default:
		sum := xxhash.Sum64(data)
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(sum >> (56 - 8*i))
		}
		return string(ChecksumXXHash64) + ":" + hex.EncodeToString(buf[:])
	}
}

func splitDigest(digest string) (ChecksumAlgorithm, string, bool) {
	for i := 0; i < len(digest); i++ {
		if digest[i] == ':' {
			return ChecksumAlgorithm(digest[:i]), digest[i+1:], true
		}
	}
	return "", "", false
}

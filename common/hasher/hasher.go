// Package hasher computes content digests of evidence files.
//
// Digests have the form "<algorithm>:<lowercase hex>", e.g.
// "sha256:2cf24dba...". Files are read in fixed-size chunks with a
// reusable buffer, so memory use is independent of file size.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Algorithm names a digest function
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

const (
	DefaultChunkSize = 64 << 10
	MinChunkSize     = 4 << 10
	MaxChunkSize     = 16 << 20

	sniffLen = 512
)

// Result is the outcome of hashing one file
type Result struct {
	Path     string
	Digest   string
	Size     int64
	MimeHint string
	ModTime  time.Time
}

// Hasher computes digests. Safe for concurrent use.
type Hasher struct {
	algo      Algorithm
	chunkSize int
	buffers   sync.Pool
}

// New creates a hasher. A zero chunkSize selects DefaultChunkSize.
func New(algo Algorithm, chunkSize int) (*Hasher, error) {
	if algo == "" {
		algo = SHA256
	}
	if algo != SHA256 && algo != BLAKE3 {
		return nil, fmt.Errorf("unsupported digest algorithm: %q", algo)
	}
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d out of range [%d, %d]", chunkSize, MinChunkSize, MaxChunkSize)
	}

	h := &Hasher{algo: algo, chunkSize: chunkSize}
	h.buffers.New = func() any {
		b := make([]byte, h.chunkSize)
		return &b
	}
	return h, nil
}

// Algorithm returns the configured digest algorithm
func (h *Hasher) Algorithm() Algorithm {
	return h.algo
}

// ForDigest returns a hasher that reproduces digest: h itself when the
// algorithms agree, otherwise a sibling with the same chunk size
func (h *Hasher) ForDigest(digest string) (*Hasher, error) {
	algo, _, err := ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	if algo == h.algo {
		return h, nil
	}
	return New(algo, h.chunkSize)
}

func (h *Hasher) newHash() hash.Hash {
	if h.algo == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

func (h *Hasher) format(sum []byte) string {
	return string(h.algo) + ":" + hex.EncodeToString(sum)
}

// HashFile hashes the regular file at path.
// It fails with *IOError when the file can not be read or changes while
// being read. Context cancellation is checked between chunks and returned
// unwrapped.
func (h *Hasher) HashFile(ctx context.Context, path string) (*Result, error) {
	// Stat first so FIFOs and devices are rejected before open blocks on them.
	info, err := os.Stat(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "stat", Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &IOError{Path: path, Op: "stat", Err: ErrNotRegular}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	before, err := f.Stat()
	if err != nil {
		return nil, &IOError{Path: path, Op: "stat", Err: err}
	}

	bufp := h.buffers.Get().(*[]byte)
	defer h.buffers.Put(bufp)
	buf := *bufp

	digest := h.newHash()
	var (
		total int64
		head  []byte
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if head == nil {
				head = append([]byte(nil), buf[:min(n, sniffLen)]...)
			}
			digest.Write(buf[:n])
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, &IOError{Path: path, Op: "read", Err: rerr}
		}
	}

	after, err := f.Stat()
	if err != nil {
		return nil, &IOError{Path: path, Op: "stat", Err: err}
	}
	if before.Size() != total || after.Size() != total || !after.ModTime().Equal(before.ModTime()) {
		return nil, &IOError{Path: path, Op: "read", Err: ErrChanged}
	}

	return &Result{
		Path:     path,
		Digest:   h.format(digest.Sum(nil)),
		Size:     total,
		MimeHint: DetectMime(path, head),
		ModTime:  after.ModTime(),
	}, nil
}

// HashReader hashes everything readable from r
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	bufp := h.buffers.Get().(*[]byte)
	defer h.buffers.Put(bufp)

	digest := h.newHash()
	n, err := io.CopyBuffer(digest, r, *bufp)
	if err != nil {
		return "", n, fmt.Errorf("failed to hash stream: %w", err)
	}
	return h.format(digest.Sum(nil)), n, nil
}

// HashBytes hashes an in-memory payload
func (h *Hasher) HashBytes(data []byte) string {
	digest := h.newHash()
	digest.Write(data)
	return h.format(digest.Sum(nil))
}

// ParseDigest splits a digest into algorithm and hex parts and validates both
func ParseDigest(s string) (Algorithm, string, error) {
	algo, hexPart, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid digest %q: missing algorithm prefix", s)
	}
	a := Algorithm(algo)
	if a != SHA256 && a != BLAKE3 {
		return "", "", fmt.Errorf("invalid digest %q: unknown algorithm", s)
	}
	if len(hexPart) != 64 || strings.ToLower(hexPart) != hexPart {
		return "", "", fmt.Errorf("invalid digest %q: expected 64 lowercase hex characters", s)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", "", fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return a, hexPart, nil
}

// IOError reports a file that could not be hashed
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

var (
	ErrNotRegular = errors.New("not a regular file")
	ErrChanged    = errors.New("file changed while hashing")
)

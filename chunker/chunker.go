// Package chunker splits a file's plaintext stream into encrypted blocks on
// disk. The input is consumed in a single pass, each block is encrypted with
// the file's content key under a per-index IV, so chunking the same input with
// the same key reproduces byte-identical blocks and hashes on retry.
package chunker

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/arxdrive/go-arxdrive-sdk/contentkey"
	"github.com/arxdrive/go-arxdrive-sdk/nodekey"
	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorInvalidBlockMaxSize is returned when the block size limit is not strictly positive
	ErrorInvalidBlockMaxSize = utils.NewArxError("CHUNKER_INVALID_BLOCK_MAX_SIZE", "blockMaxSize must be strictly positive")
	// ErrorNoContentKey is returned when chunking without a content key
	ErrorNoContentKey = utils.NewArxError("CHUNKER_NO_CONTENT_KEY", "no content key given")
	// ErrorNoSigningKey is returned when chunking without a signing key
	ErrorNoSigningKey = utils.NewArxError("CHUNKER_NO_SIGNING_KEY", "no signing key given")
)

// Block is one encrypted chunk written to the staging directory.
type Block struct {
	Index         int
	Path          string
	Hash          []byte // SHA-256 of the ciphertext file
	Signature     []byte // detached signature over Hash by the node signing key
	RawSize       int64
	EncryptedSize int64
}

// Result is the outcome of chunking one file.
type Result struct {
	Blocks           []*Block
	PlaintextDigests map[string][]byte
}

// Options configures a chunking run. BlockMaxSize bounds the plaintext bytes
// per block. PlaintextDigests names rolling digests to compute over the
// plaintext stream; unsupported names are skipped with a log line, never fatal.
type Options struct {
	BlockMaxSize     int64
	StagingDir       string
	PlaintextDigests []string
	Logger           zerolog.Logger
}

func newPlaintextDigest(algorithm string) hash.Hash {
	switch algorithm {
	case "sha256":
		return sha256.New()
	case "sha1":
		return sha1.New()
	case "md5":
		return md5.New()
	default:
		return nil
	}
}

// countingReader tracks how many plaintext bytes a block actually consumed.
type countingReader struct {
	src io.Reader
	n   int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	r.n += int64(n)
	return n, err
}

// BlockFileName returns the deterministic staging file name for a block index.
func BlockFileName(index int) string {
	return fmt.Sprintf("block_%05d", index)
}

// Chunk consumes source sequentially and writes one encrypted block file per
// BlockMaxSize-bounded plaintext segment, returning blocks in index order.
// The last block may be shorter; an empty source still emits exactly one
// zero-length block, so every file has at least one block.
func Chunk(source io.Reader, key *contentkey.Key, signingKey *nodekey.PrivateKey, options Options) (*Result, error) {
	if options.BlockMaxSize <= 0 {
		return nil, tracerr.Wrap(ErrorInvalidBlockMaxSize.AddDetails(fmt.Sprintf("%d", options.BlockMaxSize)))
	}
	if key == nil {
		return nil, tracerr.Wrap(ErrorNoContentKey)
	}
	if signingKey == nil {
		return nil, tracerr.Wrap(ErrorNoSigningKey)
	}
	err := os.MkdirAll(options.StagingDir, 0o700)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	logger := options.Logger.With().Str("component", "chunker").Logger()

	digests := make(map[string]hash.Hash)
	for _, algorithm := range options.PlaintextDigests {
		digest := newPlaintextDigest(algorithm)
		if digest == nil {
			logger.Warn().Str("algorithm", algorithm).Msg("unsupported plaintext digest algorithm, skipping")
			continue
		}
		digests[algorithm] = digest
		source = io.TeeReader(source, digest)
	}

	result := &Result{}
	for index := 0; ; index++ {
		block, err := writeBlock(source, key, signingKey, index, options)
		if err != nil {
			removeBlockFiles(result.Blocks)
			return nil, tracerr.Wrap(err)
		}
		result.Blocks = append(result.Blocks, block)

		if block.RawSize < options.BlockMaxSize {
			break
		}
		// the block was full; peek one byte to know whether more input remains
		peek := make([]byte, 1)
		_, err = io.ReadFull(source, peek)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			removeBlockFiles(result.Blocks)
			return nil, tracerr.Wrap(err)
		}
		source = io.MultiReader(newByteReader(peek[0]), source)
	}

	for algorithm, digest := range digests {
		if result.PlaintextDigests == nil {
			result.PlaintextDigests = make(map[string][]byte)
		}
		result.PlaintextDigests[algorithm] = digest.Sum(nil)
	}

	logger.Debug().Int("blocks", len(result.Blocks)).Msg("chunking done")
	return result, nil
}

type byteReader struct {
	b    byte
	done bool
}

func newByteReader(b byte) *byteReader {
	return &byteReader{b: b}
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.done || len(p) == 0 {
		return 0, io.EOF
	}
	p[0] = r.b
	r.done = true
	return 1, nil
}

func writeBlock(source io.Reader, key *contentkey.Key, signingKey *nodekey.PrivateKey, index int, options Options) (*Block, error) {
	iv, err := key.BlockIV(index)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	counted := &countingReader{src: io.LimitReader(source, options.BlockMaxSize)}
	encryptingReader, err := key.EncryptReaderWithIV(counted, iv)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	path := filepath.Join(options.StagingDir, BlockFileName(index))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	hasher := sha256.New()
	encryptedSize, err := io.Copy(io.MultiWriter(file, hasher), encryptingReader)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, tracerr.Wrap(err)
	}
	err = file.Close()
	if err != nil {
		_ = os.Remove(path)
		return nil, tracerr.Wrap(err)
	}

	blockHash := hasher.Sum(nil)
	signature, err := signingKey.Sign(blockHash)
	if err != nil {
		_ = os.Remove(path)
		return nil, tracerr.Wrap(err)
	}

	return &Block{
		Index:         index,
		Path:          path,
		Hash:          blockHash,
		Signature:     signature,
		RawSize:       counted.n,
		EncryptedSize: encryptedSize,
	}, nil
}

func removeBlockFiles(blocks []*Block) {
	for _, block := range blocks {
		_ = os.Remove(block.Path)
	}
}

// Cleanup removes every staged block file of a result, for cancellation or
// after a successful commit.
func (result *Result) Cleanup() {
	removeBlockFiles(result.Blocks)
}

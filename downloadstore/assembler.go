package downloadstore

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arxdrive/go-arxdrive-sdk/chunker"
	"github.com/arxdrive/go-arxdrive-sdk/contentkey"
	"github.com/arxdrive/go-arxdrive-sdk/manifest"
	"github.com/arxdrive/go-arxdrive-sdk/nodekey"
	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorBlockMissing is returned when a manifest block has no local ciphertext file
	ErrorBlockMissing = utils.NewArxError("DOWNLOADSTORE_BLOCK_MISSING", "a manifest block is missing from local storage")
	// ErrorBlockHashMismatch is returned when a downloaded block does not match its manifest hash
	ErrorBlockHashMismatch = utils.NewArxError("DOWNLOADSTORE_BLOCK_HASH_MISMATCH", "downloaded block does not match its manifest hash")
	// ErrorBlockSizeMismatch is returned when a decrypted block does not have its manifest raw size
	ErrorBlockSizeMismatch = utils.NewArxError("DOWNLOADSTORE_BLOCK_SIZE_MISMATCH", "decrypted block does not have its manifest raw size")
)

// Assemble reconstructs a revision's plaintext file from its downloaded
// blocks. Every block's ciphertext hash is checked against the manifest and
// the manifest signature is verified against the node's verifying keys before
// anything becomes visible at destinationPath; a hash or signature mismatch
// aborts with a typed, non-retryable integrity error. Blocks may have arrived
// in any order, assembly always follows manifest index order.
func Assemble(revisionManifest *manifest.Manifest, signature []byte, blockDir string, key *contentkey.Key, destinationPath string, verifyingKeys ...*nodekey.PublicKey) error {
	err := revisionManifest.Verify(signature, verifyingKeys...)
	if err != nil {
		return tracerr.Wrap(err)
	}

	// first pass: every block must be present and match its hash before any
	// plaintext is written
	for _, block := range revisionManifest.Blocks {
		path := filepath.Join(blockDir, chunker.BlockFileName(block.Index))
		err := checkBlockHash(path, block)
		if err != nil {
			return tracerr.Wrap(err)
		}
	}

	// second pass: decrypt and concatenate in index order into a temp file,
	// then move it into place so a partial assembly is never visible
	temp, err := os.CreateTemp(filepath.Dir(destinationPath), ".assembling-*")
	if err != nil {
		return tracerr.Wrap(err)
	}
	tempPath := temp.Name()
	removeTemp := func() {
		_ = temp.Close()
		_ = os.Remove(tempPath)
	}

	for _, block := range revisionManifest.Blocks {
		path := filepath.Join(blockDir, chunker.BlockFileName(block.Index))
		err := appendDecryptedBlock(temp, path, block, key)
		if err != nil {
			removeTemp()
			return tracerr.Wrap(err)
		}
	}
	err = temp.Close()
	if err != nil {
		removeTemp()
		return tracerr.Wrap(err)
	}
	err = os.Rename(tempPath, destinationPath)
	if err != nil {
		_ = os.Remove(tempPath)
		return tracerr.Wrap(err)
	}
	return nil
}

func checkBlockHash(path string, block manifest.BlockRef) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tracerr.Wrap(ErrorBlockMissing.AddDetails(fmt.Sprintf("index %d", block.Index)))
		}
		return tracerr.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	hasher := sha256.New()
	_, err = io.Copy(hasher, file)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if !bytes.Equal(hasher.Sum(nil), block.Hash) {
		return tracerr.Wrap(ErrorBlockHashMismatch.AddDetails(fmt.Sprintf("index %d", block.Index)))
	}
	return nil
}

func appendDecryptedBlock(destination io.Writer, path string, block manifest.BlockRef, key *contentkey.Key) error {
	file, err := os.Open(path)
	if err != nil {
		return tracerr.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	decryptingReader, err := key.DecryptReader(file)
	if err != nil {
		return tracerr.Wrap(err)
	}
	written, err := io.Copy(destination, decryptingReader)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if written != block.RawSize {
		return tracerr.Wrap(ErrorBlockSizeMismatch.AddDetails(fmt.Sprintf("index %d: %d != %d", block.Index, written, block.RawSize)))
	}
	return nil
}

package chunker

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/arxdrive/go-arxdrive-sdk/contentkey"
	"github.com/arxdrive/go-arxdrive-sdk/nodekey"
	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// faultyReader serves its data then fails with err instead of io.EOF, like a
// source file on a disk that dies mid-read.
type faultyReader struct {
	data []byte
	err  error
}

func (reader *faultyReader) Read(p []byte) (int, error) {
	if len(reader.data) == 0 {
		return 0, reader.err
	}
	n := copy(p, reader.data)
	reader.data = reader.data[n:]
	return n, nil
}

func TestChunker(t *testing.T) {
	t.Parallel()

	key, err := contentkey.Generate()
	require.NoError(t, err)
	signingKey, err := nodekey.Generate(1024)
	require.NoError(t, err)

	chunk := func(t *testing.T, input []byte, blockMaxSize int64, digests ...string) *Result {
		result, err := Chunk(bytes.NewReader(input), key, signingKey, Options{
			BlockMaxSize:     blockMaxSize,
			StagingDir:       t.TempDir(),
			PlaintextDigests: digests,
			Logger:           zerolog.Nop(),
		})
		require.NoError(t, err)
		return result
	}

	t.Run("option validation", func(t *testing.T) {
		_, err := Chunk(bytes.NewReader(nil), key, signingKey, Options{BlockMaxSize: 0, StagingDir: t.TempDir()})
		assert.ErrorIs(t, err, ErrorInvalidBlockMaxSize)
		_, err = Chunk(bytes.NewReader(nil), nil, signingKey, Options{BlockMaxSize: 1024, StagingDir: t.TempDir()})
		assert.ErrorIs(t, err, ErrorNoContentKey)
		_, err = Chunk(bytes.NewReader(nil), key, nil, Options{BlockMaxSize: 1024, StagingDir: t.TempDir()})
		assert.ErrorIs(t, err, ErrorNoSigningKey)
	})

	t.Run("empty input emits exactly one zero-length block", func(t *testing.T) {
		result := chunk(t, nil, 1024)
		require.Len(t, result.Blocks, 1)
		block := result.Blocks[0]
		assert.Equal(t, 0, block.Index)
		assert.Equal(t, int64(0), block.RawSize)
		assert.Greater(t, block.EncryptedSize, int64(0)) // IV, padding and MAC
		assert.FileExists(t, block.Path)
	})

	t.Run("small file fits in one block", func(t *testing.T) {
		result := chunk(t, []byte("0123456789"), 1<<20)
		require.Len(t, result.Blocks, 1)
		assert.Equal(t, int64(10), result.Blocks[0].RawSize)
	})

	t.Run("input of exactly one block does not emit a trailing empty block", func(t *testing.T) {
		input, err := utils.GenerateRandomBytes(1024)
		require.NoError(t, err)
		result := chunk(t, input, 1024)
		require.Len(t, result.Blocks, 1)
		assert.Equal(t, int64(1024), result.Blocks[0].RawSize)
	})

	t.Run("oversized file splits into full blocks plus remainder", func(t *testing.T) {
		input, err := utils.GenerateRandomBytes(5*(1<<20) / 2) // 2.5 MiB
		require.NoError(t, err)
		result := chunk(t, input, 1<<20)
		require.Len(t, result.Blocks, 3)
		assert.Equal(t, int64(1<<20), result.Blocks[0].RawSize)
		assert.Equal(t, int64(1<<20), result.Blocks[1].RawSize)
		assert.Equal(t, int64(1<<19), result.Blocks[2].RawSize)
		for i, block := range result.Blocks {
			assert.Equal(t, i, block.Index)
			assert.Equal(t, BlockFileName(i), filepath.Base(block.Path))
		}
	})

	t.Run("chunking is deterministic", func(t *testing.T) {
		input, err := utils.GenerateRandomBytes(10000)
		require.NoError(t, err)
		result1 := chunk(t, input, 3000)
		result2 := chunk(t, input, 3000)
		require.Len(t, result2.Blocks, len(result1.Blocks))
		for i := range result1.Blocks {
			assert.Equal(t, result1.Blocks[i].Hash, result2.Blocks[i].Hash)
			content1, err := os.ReadFile(result1.Blocks[i].Path)
			require.NoError(t, err)
			content2, err := os.ReadFile(result2.Blocks[i].Path)
			require.NoError(t, err)
			assert.Equal(t, content1, content2)
		}
	})

	t.Run("hash and signature cover the ciphertext file", func(t *testing.T) {
		input, err := utils.GenerateRandomBytes(5000)
		require.NoError(t, err)
		result := chunk(t, input, 2000)
		for _, block := range result.Blocks {
			content, err := os.ReadFile(block.Path)
			require.NoError(t, err)
			assert.Equal(t, int64(len(content)), block.EncryptedSize)
			fileHash := sha256.Sum256(content)
			assert.Equal(t, fileHash[:], block.Hash)
			assert.NoError(t, signingKey.Public().Verify(block.Hash, block.Signature))
		}
	})

	t.Run("blocks decrypt back to the original segments", func(t *testing.T) {
		input, err := utils.GenerateRandomBytes(7500)
		require.NoError(t, err)
		result := chunk(t, input, 3000)
		var reassembled []byte
		for _, block := range result.Blocks {
			file, err := os.Open(block.Path)
			require.NoError(t, err)
			decryptingReader, err := key.DecryptReader(file)
			require.NoError(t, err)
			plainText, err := io.ReadAll(decryptingReader)
			require.NoError(t, err)
			require.NoError(t, file.Close())
			assert.Equal(t, int64(len(plainText)), block.RawSize)
			reassembled = append(reassembled, plainText...)
		}
		assert.Equal(t, input, reassembled)
	})

	t.Run("plaintext digests", func(t *testing.T) {
		input, err := utils.GenerateRandomBytes(5000)
		require.NoError(t, err)
		result := chunk(t, input, 2000, "sha256", "no-such-algorithm")
		require.Contains(t, result.PlaintextDigests, "sha256")
		assert.NotContains(t, result.PlaintextDigests, "no-such-algorithm")
		expected := sha256.Sum256(input)
		assert.Equal(t, expected[:], result.PlaintextDigests["sha256"])
	})

	t.Run("source failure after a full block is not end of input", func(t *testing.T) {
		input, err := utils.GenerateRandomBytes(1024)
		require.NoError(t, err)
		readErr := errors.New("disk read error")
		stagingDir := t.TempDir()
		_, err = Chunk(&faultyReader{data: input, err: readErr}, key, signingKey, Options{
			BlockMaxSize: 1024,
			StagingDir:   stagingDir,
			Logger:       zerolog.Nop(),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, readErr)

		// the staged blocks of the aborted run are cleaned up
		entries, err := os.ReadDir(stagingDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("source failure mid block propagates", func(t *testing.T) {
		input, err := utils.GenerateRandomBytes(512)
		require.NoError(t, err)
		readErr := errors.New("disk read error")
		stagingDir := t.TempDir()
		_, err = Chunk(&faultyReader{data: input, err: readErr}, key, signingKey, Options{
			BlockMaxSize: 1024,
			StagingDir:   stagingDir,
			Logger:       zerolog.Nop(),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, readErr)
		entries, err := os.ReadDir(stagingDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Cleanup removes staged files", func(t *testing.T) {
		input, err := utils.GenerateRandomBytes(5000)
		require.NoError(t, err)
		result := chunk(t, input, 2000)
		result.Cleanup()
		for _, block := range result.Blocks {
			assert.NoFileExists(t, block.Path)
		}
	})
}

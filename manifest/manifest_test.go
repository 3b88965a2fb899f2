package manifest

import (
	"testing"

	"github.com/arxdrive/go-arxdrive-sdk/nodekey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifest(t *testing.T) {
	t.Parallel()

	signingKey, err := nodekey.Generate(1024)
	require.NoError(t, err)
	otherKey, err := nodekey.Generate(1024)
	require.NoError(t, err)

	makeManifest := func() *Manifest {
		return &Manifest{
			LinkId:     "link-1",
			RevisionId: "rev-1",
			Blocks: []BlockRef{
				{Index: 0, Hash: []byte("hash-0"), RawSize: 1024, EncryptedSize: 1088},
				{Index: 1, Hash: []byte("hash-1"), RawSize: 512, EncryptedSize: 576},
			},
		}
	}

	t.Run("Sign/Verify round-trip", func(t *testing.T) {
		manifest := makeManifest()
		signature, err := manifest.Sign(signingKey)
		require.NoError(t, err)
		assert.NoError(t, manifest.Verify(signature, signingKey.Public()))
	})

	t.Run("Verify tries multiple keys", func(t *testing.T) {
		manifest := makeManifest()
		signature, err := manifest.Sign(signingKey)
		require.NoError(t, err)
		assert.NoError(t, manifest.Verify(signature, otherKey.Public(), signingKey.Public()))
	})

	t.Run("Verify failures", func(t *testing.T) {
		manifest := makeManifest()
		signature, err := manifest.Sign(signingKey)
		require.NoError(t, err)

		assert.ErrorIs(t, manifest.Verify(signature), ErrorNoVerifyingKeys)
		assert.ErrorIs(t, manifest.Verify(signature, otherKey.Public()), ErrorSignatureMismatch)

		tampered := makeManifest()
		tampered.Blocks[1].Hash = []byte("other-hash")
		assert.ErrorIs(t, tampered.Verify(signature, signingKey.Public()), ErrorSignatureMismatch)
	})

	t.Run("canonical bytes are stable", func(t *testing.T) {
		bytes1, err := makeManifest().CanonicalBytes()
		require.NoError(t, err)
		bytes2, err := makeManifest().CanonicalBytes()
		require.NoError(t, err)
		assert.Equal(t, bytes1, bytes2)
	})

	t.Run("rejects invalid block lists", func(t *testing.T) {
		empty := &Manifest{LinkId: "l", RevisionId: "r"}
		_, err := empty.CanonicalBytes()
		assert.ErrorIs(t, err, ErrorEmpty)

		gap := makeManifest()
		gap.Blocks[1].Index = 2
		_, err = gap.Sign(signingKey)
		assert.ErrorIs(t, err, ErrorNonContiguousIndices)
	})

	t.Run("BSON round-trip", func(t *testing.T) {
		manifest := makeManifest()
		signature, err := manifest.Sign(signingKey)
		require.NoError(t, err)

		blob, err := manifest.ToBson()
		require.NoError(t, err)
		restored, err := FromBson(blob)
		require.NoError(t, err)

		// the signature must survive persistence
		assert.NoError(t, restored.Verify(signature, signingKey.Public()))
		assert.Equal(t, manifest.Blocks, restored.Blocks)
	})
}

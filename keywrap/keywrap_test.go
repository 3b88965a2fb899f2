package keywrap

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/arxdrive/go-arxdrive-sdk/nodekey"
	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyWrap(t *testing.T) {
	t.Parallel()

	recipientKey, err := nodekey.Generate(1024)
	require.NoError(t, err)
	otherKey, err := nodekey.Generate(1024)
	require.NoError(t, err)

	t.Run("Wrap/Unwrap round-trip", func(t *testing.T) {
		for _, n := range []int{16, 32} {
			sessionKey, err := utils.GenerateRandomBytes(n)
			require.NoError(t, err)

			packet, err := Wrap(sessionKey, recipientKey.Public())
			require.NoError(t, err)

			unwrapped, err := Unwrap(packet, recipientKey)
			require.NoError(t, err)
			assert.Equal(t, sessionKey, unwrapped)
		}
	})

	t.Run("Unwrap tries multiple keys", func(t *testing.T) {
		sessionKey, err := utils.GenerateRandomBytes(32)
		require.NoError(t, err)
		packet, err := Wrap(sessionKey, recipientKey.Public())
		require.NoError(t, err)

		// the right key is not first in the list, like after a key rotation
		unwrapped, err := Unwrap(packet, otherKey, recipientKey)
		require.NoError(t, err)
		assert.Equal(t, sessionKey, unwrapped)
	})

	t.Run("Unwrap failures", func(t *testing.T) {
		sessionKey, err := utils.GenerateRandomBytes(32)
		require.NoError(t, err)
		packet, err := Wrap(sessionKey, recipientKey.Public())
		require.NoError(t, err)

		_, err = Unwrap(packet)
		assert.ErrorIs(t, err, ErrorUnwrapNoKeys)

		_, err = Unwrap(packet, otherKey)
		assert.ErrorIs(t, err, ErrorUnwrapCannotDecrypt)

		corrupted := append([]byte{}, packet...)
		corrupted[10] ^= 0xff
		_, err = Unwrap(corrupted, recipientKey)
		assert.ErrorIs(t, err, ErrorUnwrapCannotDecrypt)
	})

	t.Run("NormalizeSessionKey", func(t *testing.T) {
		raw32, err := utils.GenerateRandomBytes(32)
		require.NoError(t, err)
		raw16, err := utils.GenerateRandomBytes(16)
		require.NoError(t, err)

		t.Run("raw bytes pass through", func(t *testing.T) {
			normalized, err := NormalizeSessionKey(raw32)
			require.NoError(t, err)
			assert.Equal(t, raw32, normalized)
			normalized, err = NormalizeSessionKey(raw16)
			require.NoError(t, err)
			assert.Equal(t, raw16, normalized)
		})
		t.Run("44-char base64 decodes to raw", func(t *testing.T) {
			b64 := base64.StdEncoding.EncodeToString(raw32)
			require.Len(t, b64, 44)
			normalized, err := NormalizeSessionKey([]byte(b64))
			require.NoError(t, err)
			assert.Equal(t, raw32, normalized)
		})
		t.Run("64 hex chars decode to raw", func(t *testing.T) {
			hexKey := hex.EncodeToString(raw32)
			require.Len(t, hexKey, 64)
			normalized, err := NormalizeSessionKey([]byte(hexKey))
			require.NoError(t, err)
			assert.Equal(t, raw32, normalized)
		})
		t.Run("other lengths rejected", func(t *testing.T) {
			for _, n := range []int{0, 15, 17, 31, 33, 43, 45, 63, 65} {
				_, err := NormalizeSessionKey(make([]byte, n))
				assert.ErrorIs(t, err, ErrorSessionKeyBadFormat, "length %d", n)
			}
		})
		t.Run("44 bytes of non-base64 rejected", func(t *testing.T) {
			bad := make([]byte, 44)
			for i := range bad {
				bad[i] = 0xfe
			}
			_, err := NormalizeSessionKey(bad)
			assert.ErrorIs(t, err, ErrorSessionKeyBadFormat)
		})
		t.Run("64 bytes of non-hex rejected", func(t *testing.T) {
			bad := make([]byte, 64)
			for i := range bad {
				bad[i] = 'z'
			}
			_, err := NormalizeSessionKey(bad)
			assert.ErrorIs(t, err, ErrorSessionKeyBadFormat)
		})
	})

	t.Run("Reencrypt", func(t *testing.T) {
		sessionKey, err := utils.GenerateRandomBytes(32)
		require.NoError(t, err)
		packet, err := Wrap(sessionKey, recipientKey.Public())
		require.NoError(t, err)

		t.Run("moves the packet between key domains", func(t *testing.T) {
			rewrapped, err := Reencrypt(packet, []*nodekey.PrivateKey{recipientKey}, otherKey.Public())
			require.NoError(t, err)

			unwrapped, err := Unwrap(rewrapped, otherKey)
			require.NoError(t, err)
			assert.Equal(t, sessionKey, unwrapped)

			// the old packet is still valid under the old key
			unwrapped, err = Unwrap(packet, recipientKey)
			require.NoError(t, err)
			assert.Equal(t, sessionKey, unwrapped)
		})

		t.Run("failure leaves the original packet unchanged", func(t *testing.T) {
			packetCopy := append([]byte{}, packet...)
			_, err := Reencrypt(packet, []*nodekey.PrivateKey{otherKey}, otherKey.Public())
			assert.ErrorIs(t, err, ErrorUnwrapCannotDecrypt)
			assert.Equal(t, packetCopy, packet)

			unwrapped, err := Unwrap(packet, recipientKey)
			require.NoError(t, err)
			assert.Equal(t, sessionKey, unwrapped)
		})
	})

	t.Run("password wrapping", func(t *testing.T) {
		sessionKey, err := utils.GenerateRandomBytes(32)
		require.NoError(t, err)

		t.Run("WrapWithPassword/UnwrapWithPassword round-trip", func(t *testing.T) {
			packet, err := WrapWithPassword(sessionKey, "correct horse battery staple")
			require.NoError(t, err)

			unwrapped, salt, err := UnwrapWithPassword(packet, "correct horse battery staple")
			require.NoError(t, err)
			assert.Equal(t, sessionKey, unwrapped)
			assert.Len(t, salt, 16)
		})

		t.Run("wrong password fails", func(t *testing.T) {
			packet, err := WrapWithPassword(sessionKey, "password1")
			require.NoError(t, err)
			_, _, err = UnwrapWithPassword(packet, "password2")
			assert.Error(t, err)
		})

		t.Run("too-short packet fails", func(t *testing.T) {
			_, _, err := UnwrapWithPassword(make([]byte, 10), "whatever")
			assert.ErrorIs(t, err, ErrorPasswordPacketTooShort)
		})

		t.Run("ReencryptWithPassword migrates to a node key", func(t *testing.T) {
			packet, err := WrapWithPassword(sessionKey, "url-password")
			require.NoError(t, err)

			salt, rewrapped, err := ReencryptWithPassword(packet, "url-password", recipientKey.Public())
			require.NoError(t, err)
			assert.Equal(t, packet[:16], salt)

			unwrapped, err := Unwrap(rewrapped, recipientKey)
			require.NoError(t, err)
			assert.Equal(t, sessionKey, unwrapped)
		})

		t.Run("ReencryptWithPassword failure leaves input unchanged", func(t *testing.T) {
			packet, err := WrapWithPassword(sessionKey, "url-password")
			require.NoError(t, err)
			packetCopy := append([]byte{}, packet...)

			_, _, err = ReencryptWithPassword(packet, "wrong", recipientKey.Public())
			assert.Error(t, err)
			assert.Equal(t, packetCopy, packet)
		})
	})
}

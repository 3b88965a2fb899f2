package contentkey

import (
	"bytes"
	"io"
	"testing"

	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentKey(t *testing.T) {
	t.Parallel()

	t.Run("FromSessionKey", func(t *testing.T) {
		t.Run("accepts 16 and 32 byte keys", func(t *testing.T) {
			for _, n := range []int{16, 32} {
				raw, err := utils.GenerateRandomBytes(n)
				require.NoError(t, err)
				key, err := FromSessionKey(raw)
				require.NoError(t, err)
				assert.Equal(t, raw, key.SessionKey())
			}
		})
		t.Run("rejects other lengths", func(t *testing.T) {
			for _, n := range []int{0, 15, 17, 31, 33, 64} {
				raw := make([]byte, n)
				_, err := FromSessionKey(raw)
				assert.ErrorIs(t, err, ErrorInvalidSessionKeyLength)
			}
		})
		t.Run("same session key expands to same cipher state", func(t *testing.T) {
			raw, err := utils.GenerateRandomBytes(32)
			require.NoError(t, err)
			key1, err := FromSessionKey(raw)
			require.NoError(t, err)
			key2, err := FromSessionKey(raw)
			require.NoError(t, err)

			encrypted, err := key1.Encrypt([]byte("some content"))
			require.NoError(t, err)
			decrypted, err := key2.Decrypt(encrypted)
			require.NoError(t, err)
			assert.Equal(t, []byte("some content"), decrypted)
		})
	})

	t.Run("Encrypt/Decrypt", func(t *testing.T) {
		key, err := Generate()
		require.NoError(t, err)
		plainText := []byte("SecretString")

		t.Run("can encrypt and decrypt", func(t *testing.T) {
			cipherText, err := key.Encrypt(plainText)
			require.NoError(t, err)
			decrypted, err := key.Decrypt(cipherText)
			require.NoError(t, err)
			assert.Equal(t, plainText, decrypted)
		})
		t.Run("decrypt invalid buffer", func(t *testing.T) {
			_, err := key.Decrypt(make([]byte, 25))
			assert.ErrorIs(t, err, ErrorDecryptCipherTooShort)
			_, err = key.Decrypt(make([]byte, 425))
			assert.ErrorIs(t, err, ErrorDecryptMacMismatch)
		})
		t.Run("tampered ciphertext fails mac check", func(t *testing.T) {
			cipherText, err := key.Encrypt(plainText)
			require.NoError(t, err)
			cipherText[20] ^= 0xff
			_, err = key.Decrypt(cipherText)
			assert.ErrorIs(t, err, ErrorDecryptMacMismatch)
		})
		t.Run("cannot use a zero-value key", func(t *testing.T) {
			key := Key{}
			_, err := key.Encrypt(plainText)
			assert.ErrorIs(t, err, ErrorInvalidKeyState)
			_, err = key.Decrypt(plainText)
			assert.ErrorIs(t, err, ErrorInvalidKeyState)
		})
	})

	t.Run("BlockIV", func(t *testing.T) {
		key, err := Generate()
		require.NoError(t, err)

		iv0a, err := key.BlockIV(0)
		require.NoError(t, err)
		iv0b, err := key.BlockIV(0)
		require.NoError(t, err)
		iv1, err := key.BlockIV(1)
		require.NoError(t, err)

		assert.Len(t, iv0a, 16)
		assert.Equal(t, iv0a, iv0b)
		assert.NotEqual(t, iv0a, iv1)

		otherKey, err := Generate()
		require.NoError(t, err)
		otherIv0, err := otherKey.BlockIV(0)
		require.NoError(t, err)
		assert.NotEqual(t, iv0a, otherIv0)
	})

	t.Run("VerifierToken", func(t *testing.T) {
		key, err := Generate()
		require.NoError(t, err)
		code := []byte("verification-code")
		hash := []byte("block-hash")

		token1 := key.VerifierToken(code, hash)
		token2 := key.VerifierToken(code, hash)
		assert.Equal(t, token1, token2)
		assert.Len(t, token1, 32)
		assert.NotEqual(t, token1, key.VerifierToken(code, []byte("other-hash")))
		assert.NotEqual(t, token1, key.VerifierToken([]byte("other-code"), hash))
	})

	t.Run("EncryptReader/DecryptReader", func(t *testing.T) {
		key, err := Generate()
		require.NoError(t, err)

		t.Run("round-trip for various sizes", func(t *testing.T) {
			for _, size := range []int{0, 1, 15, 16, 17, 1000, 65536, 100000} {
				plainText, err := utils.GenerateRandomBytes(size)
				require.NoError(t, err)

				encryptingReader, err := key.EncryptReader(bytes.NewReader(plainText))
				require.NoError(t, err)
				encrypted, err := io.ReadAll(encryptingReader)
				require.NoError(t, err)

				decryptingReader, err := key.DecryptReader(bytes.NewReader(encrypted))
				require.NoError(t, err)
				decrypted, err := io.ReadAll(decryptingReader)
				require.NoError(t, err)

				assert.Equal(t, plainText, decrypted, "size %d", size)
			}
		})

		t.Run("streamed and one-shot forms are compatible", func(t *testing.T) {
			plainText, err := utils.GenerateRandomBytes(5000)
			require.NoError(t, err)

			encryptingReader, err := key.EncryptReader(bytes.NewReader(plainText))
			require.NoError(t, err)
			encrypted, err := io.ReadAll(encryptingReader)
			require.NoError(t, err)

			decrypted, err := key.Decrypt(encrypted)
			require.NoError(t, err)
			assert.Equal(t, plainText, decrypted)
		})

		t.Run("fixed IV makes ciphertext deterministic", func(t *testing.T) {
			plainText, err := utils.GenerateRandomBytes(10000)
			require.NoError(t, err)
			iv, err := key.BlockIV(3)
			require.NoError(t, err)

			r1, err := key.EncryptReaderWithIV(bytes.NewReader(plainText), iv)
			require.NoError(t, err)
			encrypted1, err := io.ReadAll(r1)
			require.NoError(t, err)

			r2, err := key.EncryptReaderWithIV(bytes.NewReader(plainText), iv)
			require.NoError(t, err)
			encrypted2, err := io.ReadAll(r2)
			require.NoError(t, err)

			assert.Equal(t, encrypted1, encrypted2)

			decryptingReader, err := key.DecryptReader(bytes.NewReader(encrypted1))
			require.NoError(t, err)
			decrypted, err := io.ReadAll(decryptingReader)
			require.NoError(t, err)
			assert.Equal(t, plainText, decrypted)
		})

		t.Run("tampered stream fails mac check", func(t *testing.T) {
			plainText, err := utils.GenerateRandomBytes(1000)
			require.NoError(t, err)
			encryptingReader, err := key.EncryptReader(bytes.NewReader(plainText))
			require.NoError(t, err)
			encrypted, err := io.ReadAll(encryptingReader)
			require.NoError(t, err)
			encrypted[500] ^= 0xff

			decryptingReader, err := key.DecryptReader(bytes.NewReader(encrypted))
			require.NoError(t, err)
			_, err = io.ReadAll(decryptingReader)
			assert.ErrorIs(t, err, ErrorDecryptMacMismatch)
		})

		t.Run("truncated stream fails", func(t *testing.T) {
			decryptingReader, err := key.DecryptReader(bytes.NewReader(make([]byte, 10)))
			require.NoError(t, err)
			_, err = io.ReadAll(decryptingReader)
			assert.Error(t, err)
		})
	})
}

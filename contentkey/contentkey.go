// Package contentkey implements the symmetric key encrypting one file's
// content. A content key is represented by its raw session key (the material
// that gets wrapped under node keys); the AES and HMAC subkeys are expanded
// from it with HKDF, so knowing the session key is enough to re-derive the
// whole cipher state.
//
// Wire format of an encrypted payload: IV (16) || ciphertext || HMAC-SHA256 (32),
// AES-256-CBC with PKCS7 padding, MAC over IV||ciphertext.
package contentkey

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrorInvalidSessionKeyLength is returned when a session key is not 16 or 32 raw bytes
	ErrorInvalidSessionKeyLength = utils.NewArxError("CONTENTKEY_INVALID_SESSION_KEY_LENGTH", "session key must be exactly 16 or 32 bytes")
	// ErrorPadInvalidBlockLen is returned when padding to an invalid length
	ErrorPadInvalidBlockLen = utils.NewArxError("CONTENTKEY_PAD_INVALID_BLOCK_LEN", "invalid padding block length")
	// ErrorUnpadInvalidBlockLen is returned when the padding of a block has an invalid length
	ErrorUnpadInvalidBlockLen = utils.NewArxError("CONTENTKEY_UNPAD_INVALID_BLOCK_LEN", "invalid unpadding block length")
	// ErrorUnpadInvalidDataLen is returned when the unpadded data has an invalid length
	ErrorUnpadInvalidDataLen = utils.NewArxError("CONTENTKEY_UNPAD_INVALID_DATA_LEN", "invalid data length")
	// ErrorUnpadInvalidPadLen is returned when the padding length is invalid
	ErrorUnpadInvalidPadLen = utils.NewArxError("CONTENTKEY_UNPAD_INVALID_PAD_LEN", "invalid padding length")
	// ErrorUnpadInvalidPad is returned when the padding is invalid
	ErrorUnpadInvalidPad = utils.NewArxError("CONTENTKEY_UNPAD_INVALID_PAD", "invalid padding")
	// ErrorInvalidKeyState is returned when the key subkeys have not been expanded
	ErrorInvalidKeyState = utils.NewArxError("CONTENTKEY_INVALID_KEY_STATE", "invalid key state")
	// ErrorDecryptCipherInvalid is returned when the ciphertext has invalid length (not full blocks)
	ErrorDecryptCipherInvalid = utils.NewArxError("CONTENTKEY_DECRYPT_CIPHER_INVALID", "ciphertext is invalid")
	// ErrorDecryptCipherTooShort is returned when the ciphertext is too short to contain IV and MAC
	ErrorDecryptCipherTooShort = utils.NewArxError("CONTENTKEY_DECRYPT_CIPHER_TOO_SHORT", "ciphertext is too short")
	// ErrorDecryptMacMismatch is returned when the decrypted mac does not match
	ErrorDecryptMacMismatch = utils.NewArxError("CONTENTKEY_DECRYPT_MAC_MISMATCH", "macs do not match")
)

type Key struct {
	sessionKey    []byte
	encryptionKey []byte
	hmacKey       []byte
}

func expandSubKeys(sessionKey []byte) ([]byte, []byte, error) {
	expanded := make([]byte, 64)
	kdf := hkdf.New(sha256.New, sessionKey, nil, []byte("arxdrive.content.v1"))
	_, err := io.ReadFull(kdf, expanded)
	if err != nil { // cannot cover
		return nil, nil, tracerr.Wrap(err)
	}
	return expanded[:32], expanded[32:], nil
}

// Generate creates a fresh content key with a 32-byte session key.
func Generate() (*Key, error) {
	sessionKey, err := utils.GenerateRandomBytes(32)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return FromSessionKey(sessionKey)
}

// FromSessionKey builds a content key from raw session key material, which
// must be exactly 16 or 32 bytes.
func FromSessionKey(sessionKey []byte) (*Key, error) {
	if len(sessionKey) != 16 && len(sessionKey) != 32 {
		return nil, tracerr.Wrap(ErrorInvalidSessionKeyLength.AddDetails(fmt.Sprintf("%d bytes", len(sessionKey))))
	}
	encryptionKey, hmacKey, err := expandSubKeys(sessionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	key := Key{
		sessionKey:    append([]byte{}, sessionKey...),
		encryptionKey: encryptionKey,
		hmacKey:       hmacKey,
	}
	return &key, nil
}

// SessionKey returns the raw session key material, the bytes that get wrapped
// under node keys.
func (key *Key) SessionKey() []byte {
	return append([]byte{}, key.sessionKey...)
}

// BlockIV derives the IV for a given block index. It is a pure function of
// (session key, index), so re-encrypting the same block of the same file
// produces identical ciphertext, which keeps chunking idempotent on retry.
func (key *Key) BlockIV(index int) ([]byte, error) {
	info := make([]byte, 8+len("arxdrive.block.iv"))
	copy(info, "arxdrive.block.iv")
	binary.LittleEndian.PutUint64(info[len("arxdrive.block.iv"):], uint64(index))
	iv := make([]byte, 16)
	kdf := hkdf.New(sha256.New, key.sessionKey, nil, info)
	_, err := io.ReadFull(kdf, iv)
	if err != nil { // cannot cover
		return nil, tracerr.Wrap(err)
	}
	return iv, nil
}

// VerifierToken derives the per-block proof attached at commit time, from the
// server-issued verification code and the block's ciphertext hash.
func (key *Key) VerifierToken(verificationCode []byte, blockHash []byte) []byte {
	mac := hmac.New(sha256.New, key.sessionKey)
	mac.Write(verificationCode)
	mac.Write(blockHash)
	return mac.Sum(nil)
}

func aesEncrypt(iv []byte, encryptionKey []byte, plaintext []byte) ([]byte, error) {
	aesCipher, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	encrypter := cipher.NewCBCEncrypter(aesCipher, iv)

	plainTextBytes := make([]byte, len(plaintext))
	copy(plainTextBytes, plaintext)
	plainTextBytes, err = pkcs7Pad(plainTextBytes, encrypter.BlockSize())

	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	cipherText := make([]byte, len(plainTextBytes))
	encrypter.CryptBlocks(cipherText, plainTextBytes)

	return cipherText, nil
}

func aesDecrypt(iv []byte, encryptionKey []byte, cipherText []byte) ([]byte, error) {
	aesCipher, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	decrypter := cipher.NewCBCDecrypter(aesCipher, iv)
	plainTextBytes := make([]byte, len(cipherText))

	if len(cipherText)%decrypter.BlockSize() != 0 { // should never hit this, as the mac error should hit first
		return nil, tracerr.Wrap(ErrorDecryptCipherInvalid)
	}
	decrypter.CryptBlocks(plainTextBytes, cipherText)

	plainTextBytes, err = pkcs7Unpad(plainTextBytes, decrypter.BlockSize())

	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return plainTextBytes, nil
}

func calculateHMAC(key []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// Appends padding.
func pkcs7Pad(data []byte, blocklen int) ([]byte, error) {
	if blocklen <= 0 {
		return nil, tracerr.Wrap(ErrorPadInvalidBlockLen.AddDetails(fmt.Sprintf("%d", blocklen)))
	}
	padlen := 1
	for ((len(data) + padlen) % blocklen) != 0 {
		padlen = padlen + 1
	}

	pad := bytes.Repeat([]byte{byte(padlen)}, padlen)
	return append(data, pad...), nil
}

// Returns slice of the original data without padding.
func pkcs7Unpad(data []byte, blocklen int) ([]byte, error) {
	if blocklen <= 0 {
		return nil, tracerr.Wrap(ErrorUnpadInvalidBlockLen.AddDetails(fmt.Sprintf("%d", blocklen)))
	}
	if len(data)%blocklen != 0 || len(data) == 0 {
		return nil, tracerr.Wrap(ErrorUnpadInvalidDataLen.AddDetails(fmt.Sprintf("%d", len(data))))
	}
	padlen := int(data[len(data)-1])
	if padlen > blocklen || padlen == 0 {
		return nil, tracerr.Wrap(ErrorUnpadInvalidPadLen)
	}
	// check padding
	pad := data[len(data)-padlen:]
	for i := 0; i < padlen; i++ {
		if pad[i] != byte(padlen) {
			return nil, tracerr.Wrap(ErrorUnpadInvalidPad)
		}
	}

	return data[:len(data)-padlen], nil
}

func (key *Key) checkState() error {
	if len(key.hmacKey) != 32 || len(key.encryptionKey) != 32 {
		return tracerr.Wrap(ErrorInvalidKeyState)
	}
	return nil
}

func (key *Key) Encrypt(plaintext []byte) ([]byte, error) {
	if err := key.checkState(); err != nil {
		return nil, err
	}
	iv, err := utils.GenerateRandomBytes(16)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return key.encryptWithIV(iv, plaintext)
}

func (key *Key) encryptWithIV(iv []byte, plaintext []byte) ([]byte, error) {
	cipherText, err := aesEncrypt(iv, key.encryptionKey, plaintext)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	res := append(append([]byte{}, iv...), cipherText...)
	mac := calculateHMAC(key.hmacKey, res)
	res = append(res, mac...)

	return res, nil
}

func (key *Key) Decrypt(encryptedMessage []byte) ([]byte, error) {
	if err := key.checkState(); err != nil {
		return nil, err
	}
	cipherTextLength := len(encryptedMessage) - 16 - 32
	if cipherTextLength < 0 {
		return nil, tracerr.Wrap(ErrorDecryptCipherTooShort)
	}

	iv := encryptedMessage[:16]
	cipherText := encryptedMessage[16 : len(encryptedMessage)-32]
	toMac := encryptedMessage[:len(encryptedMessage)-32]
	mac := encryptedMessage[len(encryptedMessage)-32:]

	calculatedMac := calculateHMAC(key.hmacKey, toMac)

	if !hmac.Equal(mac, calculatedMac) {
		return nil, tracerr.Wrap(ErrorDecryptMacMismatch)
	}

	plainText, err := aesDecrypt(iv, key.encryptionKey, cipherText)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return plainText, nil
}

type encryptReader struct {
	src       io.Reader
	key       *Key
	iv        []byte
	encrypter *cipher.BlockMode
	mac       *hash.Hash

	stateErr      error
	firstReadDone bool
	nBytesRead    int
	finished      bool
	outputBuff    []byte
}

// EncryptReader returns a reader producing the encrypted form of
// plaintextReader, with a random IV.
func (key *Key) EncryptReader(plaintextReader io.Reader) (io.Reader, error) {
	if err := key.checkState(); err != nil {
		return nil, err
	}
	iv, err := utils.GenerateRandomBytes(16)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &encryptReader{src: plaintextReader, key: key, iv: iv}, nil
}

// EncryptReaderWithIV is EncryptReader with a caller-provided IV. Used by the
// chunker with a BlockIV so block ciphertext is deterministic across retries.
func (key *Key) EncryptReaderWithIV(plaintextReader io.Reader, iv []byte) (io.Reader, error) {
	if err := key.checkState(); err != nil {
		return nil, err
	}
	if len(iv) != 16 {
		return nil, tracerr.Wrap(ErrorDecryptCipherInvalid.AddDetails("IV must be 16 bytes"))
	}
	return &encryptReader{src: plaintextReader, key: key, iv: append([]byte{}, iv...)}, nil
}

func (r *encryptReader) Read(p []byte) (int, error) {
	if r.stateErr != nil {
		return 0, r.stateErr
	}

	if !r.firstReadDone {
		r.firstReadDone = true

		aesCipher, err := aes.NewCipher(r.key.encryptionKey)
		if err != nil {
			r.stateErr = tracerr.Wrap(err)
			return 0, r.stateErr
		}
		encrypter := cipher.NewCBCEncrypter(aesCipher, r.iv)
		r.encrypter = &encrypter

		mac := hmac.New(sha256.New, r.key.hmacKey)
		r.mac = &mac
		(*r.mac).Write(r.iv)

		if len(p) >= 16 {
			copy(p, r.iv)
			r.nBytesRead += 16
			return 16, nil
		} else {
			copy(p, r.iv[0:len(p)])
			r.outputBuff = append(r.outputBuff, r.iv[len(p):]...)
			r.nBytesRead += len(p)
			return len(p), nil
		}
	}

	writeOffset := 0
	if len(r.outputBuff) > 0 { // if we have some data in the output buffer, write it first
		if len(p) <= len(r.outputBuff) { // if the output buffer has more data than the current read asks for, output what is asked and return
			copy(p, r.outputBuff)
			r.outputBuff = r.outputBuff[len(p):]
			r.nBytesRead += len(p)
			return len(p), nil
		} else { // otherwise, start by writing the buffer to output, remember the offset, then continue
			copy(p, r.outputBuff)
			writeOffset = len(r.outputBuff)
			r.outputBuff = nil
			if r.finished { // if the stream is finished, no need to continue
				r.nBytesRead += writeOffset
				return writeOffset, nil
			}
		}
	}

	if r.finished {
		return 0, io.EOF
	}

	// determine how much we must read from source
	blockSize := (*r.encrypter).BlockSize()
	requiredBytes := len(p) - writeOffset
	requiredBlocks := requiredBytes / blockSize
	if requiredBytes%blockSize != 0 {
		requiredBlocks = requiredBlocks + 1
	}
	bytesToRead := requiredBlocks * blockSize

	inputBuff := make([]byte, bytesToRead)

	read, err := io.ReadFull(r.src, inputBuff)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) { // if input is finished, let's do the end computations
			r.finished = true
			inputBuff = inputBuff[:read]
			// pad the remaining plaintext
			plainTextRemaining, err := pkcs7Pad(inputBuff, blockSize)
			if err != nil {
				r.stateErr = tracerr.Wrap(err)
				return 0, r.stateErr
			}
			// encrypt it
			cipherTextRemaining := make([]byte, len(plainTextRemaining))
			(*r.encrypter).CryptBlocks(cipherTextRemaining, plainTextRemaining)
			r.outputBuff = append(r.outputBuff, cipherTextRemaining...)
			// compute HMAC and append it
			(*r.mac).Write(cipherTextRemaining)
			r.outputBuff = append(r.outputBuff, (*r.mac).Sum(nil)...)
			// output what we can
			if len(r.outputBuff) <= requiredBytes { // if we have enough room to write the whole output, do it
				copy(p[writeOffset:], r.outputBuff)
				totalWritten := writeOffset + len(r.outputBuff)
				r.nBytesRead += totalWritten
				r.outputBuff = nil
				return totalWritten, nil
			} else { // otherwise, write what we can, and keep the rest for later
				copy(p[writeOffset:], r.outputBuff[:requiredBytes])
				r.outputBuff = r.outputBuff[requiredBytes:]
				r.nBytesRead += len(p)
				return len(p), nil
			}
		} else {
			r.stateErr = tracerr.Wrap(err)
			return 0, r.stateErr
		}
	}

	// we managed to read all we needed. Let's encrypt it
	cipherTextChunk := make([]byte, bytesToRead)
	(*r.encrypter).CryptBlocks(cipherTextChunk, inputBuff)
	(*r.mac).Write(cipherTextChunk)

	// copy what fits in the output, and keep the rest for next read
	copied := copy(p[writeOffset:], cipherTextChunk)
	r.outputBuff = cipherTextChunk[copied:]
	r.nBytesRead += len(p)
	return len(p), nil
}

type decryptReader struct {
	src       io.Reader
	key       *Key
	decrypter *cipher.BlockMode
	mac       *hash.Hash

	stateErr                  error
	firstReadDone             bool
	nBytesRead                int
	finished                  bool
	potentialLastBlockAndHmac []byte
	outputBuff                []byte
}

// DecryptReader returns a reader producing the decrypted form of
// encryptedReader. The MAC is verified when the source is exhausted; a
// mismatch surfaces as ErrorDecryptMacMismatch on the failing Read.
func (key *Key) DecryptReader(encryptedReader io.Reader) (io.Reader, error) {
	if err := key.checkState(); err != nil {
		return nil, err
	}
	return &decryptReader{src: encryptedReader, key: key}, nil
}

func (r *decryptReader) Read(p []byte) (int, error) {
	if r.stateErr != nil {
		return 0, r.stateErr
	}

	if !r.firstReadDone {
		r.firstReadDone = true

		// Read IV (16 bytes)
		// Also, read 48 bytes for potential last block and hmac, so that the first "main" read is like all others
		ivAndPotentialLastBlockAndHmac := make([]byte, 64)
		_, err := io.ReadFull(r.src, ivAndPotentialLastBlockAndHmac)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.stateErr = tracerr.Wrap(io.ErrUnexpectedEOF)
			} else {
				r.stateErr = tracerr.Wrap(err)
			}
			return 0, r.stateErr
		}

		iv := ivAndPotentialLastBlockAndHmac[:16]
		r.potentialLastBlockAndHmac = ivAndPotentialLastBlockAndHmac[16:]

		// Initialize crypto objects
		aesCipher, err := aes.NewCipher(r.key.encryptionKey)
		if err != nil {
			r.stateErr = tracerr.Wrap(err)
			return 0, r.stateErr
		}
		decrypter := cipher.NewCBCDecrypter(aesCipher, iv)
		r.decrypter = &decrypter

		mac := hmac.New(sha256.New, r.key.hmacKey)
		r.mac = &mac
		(*r.mac).Write(iv)
	}

	writeOffset := 0
	if len(r.outputBuff) > 0 { // if we have some data in the output buffer, write it first
		if len(p) <= len(r.outputBuff) { // if the output buffer has more data than the current read asks for, output what is asked and return
			copy(p, r.outputBuff)
			r.outputBuff = r.outputBuff[len(p):]
			r.nBytesRead += len(p)
			return len(p), nil
		} else { // otherwise, start by writing the buffer to output, remember the offset, then continue
			copy(p, r.outputBuff)
			writeOffset = len(r.outputBuff)
			r.outputBuff = nil
			if r.finished { // if the stream is finished, no need to continue
				r.nBytesRead += writeOffset
				return writeOffset, nil
			}
		}
	}

	if r.finished {
		return 0, io.EOF
	}

	// determine how much we must read from source
	blockSize := (*r.decrypter).BlockSize()
	requiredBytes := len(p) - writeOffset
	requiredBlocks := requiredBytes / blockSize
	if requiredBytes%blockSize != 0 {
		requiredBlocks = requiredBlocks + 1
	}
	bytesToRead := requiredBlocks * blockSize

	inputBuff := make([]byte, bytesToRead+48) // add 48 to put potentialLastBlockAndHmac at the start
	copy(inputBuff, r.potentialLastBlockAndHmac)

	read, err := io.ReadFull(r.src, inputBuff[48:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) { // if input is finished, let's do the end computations
			r.finished = true
			inputBuff = inputBuff[:read+48]
			macBuff := inputBuff[read+16:]
			cipherTextRemaining := inputBuff[:read+16]

			// Now that we have all the remaining cipherText, compute HMAC and verify it
			(*r.mac).Write(cipherTextRemaining)
			macRes := (*r.mac).Sum(nil)
			if !hmac.Equal(macBuff, macRes) {
				r.stateErr = tracerr.Wrap(ErrorDecryptMacMismatch)
				return 0, r.stateErr
			}

			// Decrypt & unpad remaining ciphertext
			decipheredChunk := make([]byte, read+16)
			(*r.decrypter).CryptBlocks(decipheredChunk, cipherTextRemaining)
			plainTextRemaining, err := pkcs7Unpad(decipheredChunk, blockSize)
			if err != nil {
				r.stateErr = tracerr.Wrap(err)
				return 0, r.stateErr
			}
			r.outputBuff = append(r.outputBuff, plainTextRemaining...)
			// output what we can
			if len(r.outputBuff) <= requiredBytes { // if we have enough room to write the whole output, do it
				copy(p[writeOffset:], r.outputBuff)
				totalWritten := writeOffset + len(r.outputBuff)
				r.nBytesRead += totalWritten
				r.outputBuff = nil
				return totalWritten, nil
			} else { // otherwise, write what we can, and keep the rest for later
				copy(p[writeOffset:], r.outputBuff[:requiredBytes])
				r.outputBuff = r.outputBuff[requiredBytes:]
				r.nBytesRead += len(p)
				return len(p), nil
			}
		} else {
			r.stateErr = tracerr.Wrap(err)
			return 0, r.stateErr
		}
	}

	// we managed to read all we needed. Let's keep the last 48 bytes as potential last block & HMAC, and decrypt the rest
	r.potentialLastBlockAndHmac = inputBuff[bytesToRead:]
	cipherText := inputBuff[:bytesToRead]
	(*r.mac).Write(cipherText)
	decipheredChunk := make([]byte, bytesToRead)
	(*r.decrypter).CryptBlocks(decipheredChunk, cipherText)

	// copy what fits in the output, and keep the rest for next read
	copied := copy(p[writeOffset:], decipheredChunk)
	r.outputBuff = decipheredChunk[copied:]
	r.nBytesRead += len(p)
	return len(p), nil
}

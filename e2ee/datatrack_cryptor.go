package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/rtcsdk/core/internal/rtcerrors"
)

// NonceSize is the AES-GCM IV length used for every data-track frame
// (spec.md §4.4's E2eeExt: 1-byte key index + 12-byte IV).
const NonceSize = 12

// EncryptedFrame is the output of DataTrackCryptor.Encrypt: the ciphertext
// plus the key index and IV that produced it, ready to carry in a DTP
// E2eeExt.
type EncryptedFrame struct {
	Ciphertext []byte
	IV         [NonceSize]byte
	KeyIndex   uint8
}

// DataTrackCryptor performs AES-GCM(256) encrypt/decrypt for data-track
// frames using keys from a KeyProvider, per spec.md §4.7.
type DataTrackCryptor struct {
	keys *KeyProvider
}

// NewDataTrackCryptor builds a cryptor bound to a KeyProvider.
func NewDataTrackCryptor(keys *KeyProvider) *DataTrackCryptor {
	return &DataTrackCryptor{keys: keys}
}

// Encrypt produces ciphertext for plaintext using the latest key for
// identity, with a fresh random 12-byte IV.
func (c *DataTrackCryptor) Encrypt(identity string, plaintext []byte) (EncryptedFrame, error) {
	index := c.keys.GetLatestKeyIndex(identity)
	key, ok := c.keys.Key(identity, index)
	if !ok {
		return EncryptedFrame{}, rtcerrors.New(rtcerrors.KindCrypto, rtcerrors.ReasonMissingKey, "no key installed for identity")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedFrame{}, rtcerrors.Wrap(rtcerrors.KindCrypto, rtcerrors.ReasonEncryptionFailed, "constructing aes cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return EncryptedFrame{}, rtcerrors.Wrap(rtcerrors.KindCrypto, rtcerrors.ReasonEncryptionFailed, "constructing gcm", err)
	}

	var iv [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return EncryptedFrame{}, rtcerrors.Wrap(rtcerrors.KindCrypto, rtcerrors.ReasonEncryptionFailed, "generating iv", err)
	}

	ciphertext := gcm.Seal(nil, iv[:], plaintext, nil)
	return EncryptedFrame{Ciphertext: ciphertext, IV: iv, KeyIndex: uint8(index)}, nil
}

// Decrypt reverses Encrypt given the key index and IV carried in the
// frame's E2eeExt. A GCM tag mismatch (tampering, wrong key) surfaces as a
// DecryptionFailed error and feeds RecordDecryptFailure/InDoubt tracking;
// the caller is responsible for invoking RecordDecryptSuccess/Failure on
// the KeyProvider.
func (c *DataTrackCryptor) Decrypt(identity string, keyIndex uint8, iv [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	key, ok := c.keys.Key(identity, int(keyIndex))
	if !ok {
		return nil, rtcerrors.New(rtcerrors.KindCrypto, rtcerrors.ReasonMissingKey, fmt.Sprintf("no key at index %d for identity", keyIndex))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, rtcerrors.Wrap(rtcerrors.KindCrypto, rtcerrors.ReasonDecryptionFailed, "constructing aes cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, rtcerrors.Wrap(rtcerrors.KindCrypto, rtcerrors.ReasonDecryptionFailed, "constructing gcm", err)
	}

	plaintext, err := gcm.Open(nil, iv[:], ciphertext, nil)
	if err != nil {
		return nil, rtcerrors.Wrap(rtcerrors.KindCrypto, rtcerrors.ReasonDecryptionFailed, "gcm tag mismatch", err)
	}
	return plaintext, nil
}

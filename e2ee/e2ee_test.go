package e2ee

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) []byte {
	t.Helper()
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestDataTrackCryptor_RoundTrip(t *testing.T) {
	kp := NewSharedKeyProvider(newTestKey(t), DefaultKeyProviderOptions())
	cryptor := NewDataTrackCryptor(kp)

	plaintext := []byte("hello from a data track frame")
	enc, err := cryptor.Encrypt("", plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, enc.Ciphertext)

	decrypted, err := cryptor.Decrypt("", enc.KeyIndex, enc.IV, enc.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDataTrackCryptor_TamperedCiphertextFailsDecrypt(t *testing.T) {
	kp := NewSharedKeyProvider(newTestKey(t), DefaultKeyProviderOptions())
	cryptor := NewDataTrackCryptor(kp)

	enc, err := cryptor.Encrypt("", []byte("128 frames of 4KiB, simplified"))
	require.NoError(t, err)

	tampered := append([]byte(nil), enc.Ciphertext...)
	tampered[0] ^= 0xFF

	_, err = cryptor.Decrypt("", enc.KeyIndex, enc.IV, tampered)
	assert.Error(t, err)
}

func TestKeyProvider_RatchetDerivesDifferentKey(t *testing.T) {
	kp := NewSharedKeyProvider(newTestKey(t), DefaultKeyProviderOptions())
	before, _ := kp.Key("", 0)

	next, err := kp.Ratchet("", 0)
	require.NoError(t, err)
	assert.NotEqual(t, before, next)

	after, _ := kp.Key("", 0)
	assert.Equal(t, next, after)
}

func TestKeyProvider_InDoubtAfterFailureTolerance(t *testing.T) {
	opts := DefaultKeyProviderOptions()
	opts.FailureTolerance = 3
	kp := NewPerIdentityKeyProvider(opts)
	kp.SetKey("alice", 0, newTestKey(t))

	assert.False(t, kp.InDoubt("alice"))
	kp.RecordDecryptFailure("alice")
	kp.RecordDecryptFailure("alice")
	assert.False(t, kp.InDoubt("alice"))
	kp.RecordDecryptFailure("alice")
	assert.True(t, kp.InDoubt("alice"))

	kp.RecordDecryptSuccess("alice")
	assert.False(t, kp.InDoubt("alice"))
}

func TestKeyProvider_GetLatestKeyIndex(t *testing.T) {
	kp := NewPerIdentityKeyProvider(DefaultKeyProviderOptions())
	kp.SetKey("bob", 0, newTestKey(t))
	kp.SetKey("bob", 1, newTestKey(t))
	assert.Equal(t, 1, kp.GetLatestKeyIndex("bob"))
}

func TestManager_NotifyDecryptResultEmitsEvents(t *testing.T) {
	kp := NewSharedKeyProvider(newTestKey(t), DefaultKeyProviderOptions())
	m := NewManager(kp)
	m.SetEnabled(true)
	assert.True(t, m.Enabled())

	m.NotifyDecryptResult("alice", assertErr(), false)
	ev := <-m.Events()
	assert.Equal(t, StateDecryptionFailed, ev.State)

	m.NotifyDecryptResult("alice", nil, false)
	ev = <-m.Events()
	assert.Equal(t, StateOk, ev.State)
}

func assertErr() error {
	return &testErr{}
}

type testErr struct{}

func (e *testErr) Error() string { return "simulated decrypt failure" }

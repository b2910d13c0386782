package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, err := NewService(testKey(), rand.Reader)
	require.NoError(t, err)

	plaintext := []byte("sensitive payload")
	ciphertext, iv, tag, err := svc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.Len(t, iv, 12)
	assert.Len(t, tag, 16)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := svc.Decrypt(ciphertext, iv, tag)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	svc, err := NewService(testKey(), rand.Reader)
	require.NoError(t, err)

	ciphertext, iv, tag, err := svc.Encrypt(nil)
	require.NoError(t, err)

	decrypted, err := svc.Decrypt(ciphertext, iv, tag)
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}

func TestEncryptUsesFreshIV(t *testing.T) {
	svc, err := NewService(testKey(), rand.Reader)
	require.NoError(t, err)

	_, iv1, _, err := svc.Encrypt([]byte("same input"))
	require.NoError(t, err)
	_, iv2, _, err := svc.Encrypt([]byte("same input"))
	require.NoError(t, err)

	assert.False(t, bytes.Equal(iv1, iv2))
}

func TestDecryptRejectsTampering(t *testing.T) {
	svc, err := NewService(testKey(), rand.Reader)
	require.NoError(t, err)

	ciphertext, iv, tag, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	flip := func(b []byte) []byte {
		cp := append([]byte(nil), b...)
		cp[0] ^= 0x01
		return cp
	}

	_, err = svc.Decrypt(flip(ciphertext), iv, tag)
	assert.ErrorIs(t, err, ErrEncryption)

	_, err = svc.Decrypt(ciphertext, flip(iv), tag)
	assert.ErrorIs(t, err, ErrEncryption)

	_, err = svc.Decrypt(ciphertext, iv, flip(tag))
	assert.ErrorIs(t, err, ErrEncryption)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	svc, err := NewService(testKey(), rand.Reader)
	require.NoError(t, err)

	other := testKey()
	other[0] ^= 0xff
	otherSvc, err := NewService(other, rand.Reader)
	require.NoError(t, err)

	ciphertext, iv, tag, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = otherSvc.Decrypt(ciphertext, iv, tag)
	assert.ErrorIs(t, err, ErrEncryption)
}

func TestNewServiceRejectsBadKeyLength(t *testing.T) {
	_, err := NewService(make([]byte, 16), rand.Reader)
	assert.ErrorIs(t, err, ErrEncryption)

	_, err = NewService(nil, rand.Reader)
	assert.ErrorIs(t, err, ErrEncryption)
}

func TestDecryptRejectsMalformedLengths(t *testing.T) {
	svc, err := NewService(testKey(), rand.Reader)
	require.NoError(t, err)

	ciphertext, iv, tag, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = svc.Decrypt(ciphertext, iv[:4], tag)
	assert.ErrorIs(t, err, ErrEncryption)

	_, err = svc.Decrypt(ciphertext, iv, tag[:8])
	assert.ErrorIs(t, err, ErrEncryption)
}

package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	ring, err := NewKeyring(1, map[int][]byte{1: key})
	require.NoError(t, err)

	blob, version, err := ring.Encrypt([]byte("refresh-token-material"))
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.NotContains(t, string(blob), "refresh-token-material")

	plain, err := ring.Decrypt(blob, version)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-material", string(plain))
}

func TestKeyringRejectsBadKeys(t *testing.T) {
	_, err := NewKeyring(1, map[int][]byte{1: []byte("short")})
	assert.Error(t, err)

	key, err := GenerateKey()
	require.NoError(t, err)
	_, err = NewKeyring(2, map[int][]byte{1: key})
	assert.Error(t, err, "active version must exist")
}

func TestKeyringRotationKeepsOldVersionsReadable(t *testing.T) {
	key1, err := GenerateKey()
	require.NoError(t, err)
	ring, err := NewKeyring(1, map[int][]byte{1: key1})
	require.NoError(t, err)

	oldBlob, oldVersion, err := ring.Encrypt([]byte("sealed-under-v1"))
	require.NoError(t, err)

	key2, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, ring.AddKey(2, key2))
	assert.Equal(t, 2, ring.ActiveVersion())

	// New encryptions use the new key.
	_, version, err := ring.Encrypt([]byte("sealed-under-v2"))
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// Old blobs stay readable.
	plain, err := ring.Decrypt(oldBlob, oldVersion)
	require.NoError(t, err)
	assert.Equal(t, "sealed-under-v1", string(plain))
}

func TestKeyringTamperDetection(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	ring, err := NewKeyring(1, map[int][]byte{1: key})
	require.NoError(t, err)

	blob, version, err := ring.Encrypt([]byte("payload"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff

	_, err = ring.Decrypt(blob, version)
	assert.Error(t, err)
}

func TestKeyFromBase64(t *testing.T) {
	_, err := KeyFromBase64("not base64!!!")
	assert.Error(t, err)

	_, err = KeyFromBase64("c2hvcnQ=")
	assert.Error(t, err, "decoded key must be 32 bytes")
}

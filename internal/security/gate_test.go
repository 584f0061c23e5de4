package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_DeriveKey_Deterministic(t *testing.T) {
	gate := NewGate("deployment-salt")

	k1 := gate.DeriveKey("alice")
	k2 := gate.DeriveKey("alice")

	require.Len(t, []byte(k1), 32)
	assert.Equal(t, k1, k2)
}

func TestGate_DeriveKey_PerOwnerAndPerSalt(t *testing.T) {
	gate := NewGate("deployment-salt")
	other := NewGate("other-salt")

	assert.NotEqual(t, gate.DeriveKey("alice"), gate.DeriveKey("bob"))
	assert.NotEqual(t, gate.DeriveKey("alice"), other.DeriveKey("alice"))
}

func TestEncrypt_RoundTrip(t *testing.T) {
	key := NewGate("salt").DeriveKey("alice")

	ct, err := Encrypt("attack at dawn", key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, Marker))
	assert.NotContains(t, ct, "attack")

	pt, err := Decrypt(ct, key)
	require.NoError(t, err)
	assert.Equal(t, "attack at dawn", pt)
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	key := NewGate("salt").DeriveKey("alice")

	a, err := Encrypt("same text", key)
	require.NoError(t, err)
	b, err := Encrypt("same text", key)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestEncrypt_EmptyString(t *testing.T) {
	key := NewGate("salt").DeriveKey("alice")

	ct, err := Encrypt("", key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, Marker))

	pt, err := Decrypt(ct, key)
	require.NoError(t, err)
	assert.Equal(t, "", pt)
}

func TestDecrypt_PlaintextPassthrough(t *testing.T) {
	key := NewGate("salt").DeriveKey("alice")

	// A stored value without the marker is a pre-encryption row; it comes
	// back verbatim with no error.
	pt, err := Decrypt("plain old text", key)
	require.NoError(t, err)
	assert.Equal(t, "plain old text", pt)

	pt, err = Decrypt("", key)
	require.NoError(t, err)
	assert.Equal(t, "", pt)
}

func TestDecrypt_WrongKey(t *testing.T) {
	gate := NewGate("salt")
	ct, err := Encrypt("secret", gate.DeriveKey("alice"))
	require.NoError(t, err)

	_, err = Decrypt(ct, gate.DeriveKey("mallory"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecrypt_CorruptedCiphertext(t *testing.T) {
	key := NewGate("salt").DeriveKey("alice")

	tests := []struct {
		name  string
		value string
	}{
		{"not base64", Marker + "!!!not-base64!!!"},
		{"too short for nonce", Marker + "QUJD"}, // "ABC"
		{"marker only", Marker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.value, key)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecryptFailed)
		})
	}
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	key := NewGate("salt").DeriveKey("alice")
	ct, err := Encrypt("untampered", key)
	require.NoError(t, err)

	// Flip the last base64 character.
	tampered := ct[:len(ct)-1]
	if strings.HasSuffix(ct, "A") {
		tampered += "B"
	} else {
		tampered += "A"
	}

	_, err = Decrypt(tampered, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestEncryptIfKey_NilKeyPassthrough(t *testing.T) {
	// No key configured: the gate degrades to plaintext, never errors.
	ct, err := EncryptIfKey("visible", nil)
	require.NoError(t, err)
	assert.Equal(t, "visible", ct)

	pt, err := DecryptIfKey("visible", nil)
	require.NoError(t, err)
	assert.Equal(t, "visible", pt)
}

func TestDecryptIfKey_NilKeyLeavesMarkedValues(t *testing.T) {
	// Even a marked value passes through when no key is available.
	marked := Marker + "c29tZXRoaW5n"
	pt, err := DecryptIfKey(marked, nil)
	require.NoError(t, err)
	assert.Equal(t, marked, pt)
}

package services

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadCipherRoundTrip(t *testing.T) {
	c := redeemTestCipher(t)

	enc, err := c.Encrypt("cr_0123456789abcdef")
	require.NoError(t, err)
	assert.NotContains(t, enc, "cr_0123456789abcdef")

	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	assert.Len(t, raw, gcmNonceSize+gcmTagSize+len("cr_0123456789abcdef"))

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "cr_0123456789abcdef", dec)

	again, err := c.Encrypt("cr_0123456789abcdef")
	require.NoError(t, err)
	assert.NotEqual(t, enc, again, "nonce must be fresh per call")
}

func TestPayloadCipherEmpty(t *testing.T) {
	c := redeemTestCipher(t)

	enc, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, dec)
}

func TestPayloadCipherRejectsTampering(t *testing.T) {
	c := redeemTestCipher(t)

	enc, err := c.Encrypt("secret")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xff
	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)

	_, err = c.Decrypt("!!not base64!!")
	assert.Error(t, err)

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestPayloadCipherKeyDependsOnSecretAndSalt(t *testing.T) {
	c := redeemTestCipher(t)
	enc, err := c.Encrypt("secret")
	require.NoError(t, err)

	otherSecret, err := NewPayloadCipher("another-secret", RedeemPayloadSalt)
	require.NoError(t, err)
	_, err = otherSecret.Decrypt(enc)
	assert.Error(t, err)

	otherSalt, err := NewPayloadCipher("test-encryption-secret", "other-salt")
	require.NoError(t, err)
	_, err = otherSalt.Decrypt(enc)
	assert.Error(t, err)

	_, err = NewPayloadCipher("", RedeemPayloadSalt)
	assert.Error(t, err)
}

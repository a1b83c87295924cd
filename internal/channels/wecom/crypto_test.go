package wecom

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAESKey() string {
	raw := bytes.Repeat([]byte{0x42}, 32)
	return base64.StdEncoding.EncodeToString(raw)[:43]
}

func newTestCryptor(t *testing.T) *cryptor {
	t.Helper()
	c, err := newCryptor("callback-token", testAESKey(), "corp1")
	require.NoError(t, err)
	return c
}

func TestCryptorRoundTrip(t *testing.T) {
	c := newTestCryptor(t)

	msg := []byte("<xml><Content><![CDATA[hello]]></Content></xml>")
	sealed, err := c.encrypt(msg)
	require.NoError(t, err)

	opened, err := c.decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, msg, opened)
}

func TestCryptorRejectsTamperedEnvelope(t *testing.T) {
	c := newTestCryptor(t)

	sealed, err := c.encrypt([]byte("payload"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = c.decrypt(tampered)
	require.Error(t, err)
}

func TestCryptorRejectsForeignCorpID(t *testing.T) {
	sender, err := newCryptor("callback-token", testAESKey(), "other-corp")
	require.NoError(t, err)
	sealed, err := sender.encrypt([]byte("payload"))
	require.NoError(t, err)

	receiver := newTestCryptor(t)
	_, err = receiver.decrypt(sealed)
	require.ErrorIs(t, err, ErrCorpIDMismatch)
}

func TestCryptorSignature(t *testing.T) {
	c := newTestCryptor(t)

	sig := c.signature("1756116600", "nonce-1", "payload")
	assert.True(t, c.verify(sig, "1756116600", "nonce-1", "payload"))
	assert.False(t, c.verify(sig, "1756116601", "nonce-1", "payload"))
	assert.False(t, c.verify(sig, "1756116600", "nonce-1", "other"))
	assert.False(t, c.verify("deadbeef", "1756116600", "nonce-1", "payload"))
}

func TestNewCryptorRejectsBadKey(t *testing.T) {
	_, err := newCryptor("tok", "too-short", "corp1")
	require.Error(t, err)

	_, err = newCryptor("tok", string(bytes.Repeat([]byte{'!'}, 43)), "corp1")
	require.Error(t, err)
}

func TestPKCS7RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 31, 32, 33, 100} {
		data := bytes.Repeat([]byte{0x07}, n)
		padded := pkcs7Pad(data, 32)
		require.Zero(t, len(padded)%32)
		out, err := pkcs7Unpad(padded)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	}
}

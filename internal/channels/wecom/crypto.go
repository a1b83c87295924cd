package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCorpIDMismatch means an envelope decrypted cleanly but was sealed
// for a different corp; it is treated like any other decrypt failure.
var ErrCorpIDMismatch = errors.New("wecom: receiver corp id mismatch")

// cryptor holds the derived AES key for the callback envelope. The
// platform key is 43 base64 characters without padding; restoring the
// padding yields the 32-byte AES-256 key, and the IV is its first block.
type cryptor struct {
	key    []byte
	corpID string
	token  string
}

func newCryptor(token, encodingAESKey, corpID string) (*cryptor, error) {
	if len(encodingAESKey) != 43 {
		return nil, fmt.Errorf("wecom: encoding aes key must be 43 characters, got %d", len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("wecom: decode encoding aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("wecom: encoding aes key decodes to %d bytes, want 32", len(key))
	}
	return &cryptor{key: key, corpID: corpID, token: token}, nil
}

// signature computes the callback signature: the SHA-1 hex digest of the
// token, timestamp, nonce and payload sorted lexicographically and
// concatenated.
func (c *cryptor) signature(timestamp, nonce, payload string) string {
	parts := []string{c.token, timestamp, nonce, payload}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return fmt.Sprintf("%x", sum)
}

// verify checks the platform signature over the given payload.
func (c *cryptor) verify(signature, timestamp, nonce, payload string) bool {
	return signature == c.signature(timestamp, nonce, payload)
}

// decrypt opens a base64 envelope. The plaintext layout is 16 random
// bytes, a 4-byte big-endian message length, the message itself, and the
// receiver corp id, PKCS#7-padded for AES-CBC.
func (c *cryptor) decrypt(envelope string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("wecom: decode envelope: %w", err)
	}
	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("wecom: envelope length %d not a block multiple", len(ciphertext))
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, fmt.Errorf("wecom: envelope too short after unpad")
	}
	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, fmt.Errorf("wecom: envelope declares %d bytes, only %d present", msgLen, len(plain)-20)
	}
	msg := plain[20 : 20+msgLen]
	receiver := string(plain[20+msgLen:])
	if receiver != c.corpID {
		return nil, ErrCorpIDMismatch
	}
	return msg, nil
}

// encrypt seals a message into a base64 envelope; it is the inverse of
// decrypt and exists for the echo exchange and tests.
func (c *cryptor) encrypt(msg []byte) (string, error) {
	buf := make([]byte, 0, 20+len(msg)+len(c.corpID))
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	buf = append(buf, nonce...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg)))
	buf = append(buf, msg...)
	buf = append(buf, []byte(c.corpID)...)
	buf = pkcs7Pad(buf, 32)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, buf)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("wecom: empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > 32 || n > len(data) {
		return nil, fmt.Errorf("wecom: invalid padding %d", n)
	}
	return data[:len(data)-n], nil
}

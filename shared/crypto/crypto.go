package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultSalt is the PBKDF2 salt every frp peer uses.
	DefaultSalt = "frp"
	// KeyIterations is kept at 64 for wire compatibility with existing servers.
	KeyIterations = 64
	// KeySize is the AES-128 key length.
	KeySize = 16
	// IVSize is the CFB initialization vector length (one AES block).
	IVSize = aes.BlockSize
)

// ErrIVSize is returned when an initialization vector is not exactly IVSize bytes.
var ErrIVSize = errors.New("crypto: iv must be 16 bytes")

// DeriveKey derives the session key from the shared token.
// It uses PBKDF2 with HMAC-SHA1, matching the key schedule of the server.
func DeriveKey(token string, salt string) []byte {
	return pbkdf2.Key([]byte(token), []byte(salt), KeyIterations, KeySize, sha1.New)
}

// NewIV returns a random initialization vector.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// Coder is the control channel's AES-128-CFB codec.
//
// The encrypt and decrypt directions each keep their own running cipher
// position. Every call continues where the previous call on the same
// direction stopped, so encrypting a buffer in two calls yields the same
// bytes as encrypting the concatenation in one call. A Coder is not safe for
// concurrent use of the same direction.
type Coder struct {
	iv  []byte
	enc cipher.Stream
	dec cipher.Stream
}

// NewCoder builds a codec for token and iv. Both directions start at
// position zero of the same IV.
func NewCoder(token string, iv []byte) (*Coder, error) {
	return NewCoderWithKey(DeriveKey(token, DefaultSalt), iv)
}

// NewCoderWithKey is NewCoder for an already derived key.
func NewCoderWithKey(key []byte, iv []byte) (*Coder, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d", ErrIVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	ivCopy := append([]byte(nil), iv...)
	return &Coder{
		iv:  ivCopy,
		enc: cipher.NewCFBEncrypter(block, ivCopy),
		dec: cipher.NewCFBDecrypter(block, ivCopy),
	}, nil
}

// IV returns a copy of the initialization vector.
func (c *Coder) IV() []byte {
	return append([]byte(nil), c.iv...)
}

// Encrypt transforms buf in place and advances the encrypt position by len(buf).
func (c *Coder) Encrypt(buf []byte) {
	c.enc.XORKeyStream(buf, buf)
}

// Decrypt transforms buf in place and advances the decrypt position by len(buf).
func (c *Coder) Decrypt(buf []byte) {
	c.dec.XORKeyStream(buf, buf)
}

// DecryptReader returns a reader that decrypts everything read from r.
// It shares the decrypt position with Decrypt.
func (c *Coder) DecryptReader(r io.Reader) io.Reader {
	return &cipher.StreamReader{S: c.dec, R: r}
}

// EncryptWriter returns a writer that encrypts everything written to w.
// It shares the encrypt position with Encrypt.
func (c *Coder) EncryptWriter(w io.Writer) io.Writer {
	return &cipher.StreamWriter{S: c.enc, W: w}
}

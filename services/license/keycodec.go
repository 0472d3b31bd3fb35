package license

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/crypto/scrypt"
)

const (
	// KeyAlphabet leaves out 0, O, 1, I and L.
	KeyAlphabet  = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	KeyLength    = 32
	KeyGroupSize = 4
	KeyDelimiter = "-"

	ciphertextVersion = "v2"
)

// scrypt cost for the v2 scheme. The legacy parameters match what the
// previous service used so old ciphertexts stay readable.
const (
	kdfN       = 1 << 15
	kdfR       = 8
	kdfP       = 1
	legacyKdfN = 1 << 14
)

// GenerateKey draws KeyLength symbols from KeyAlphabet with crypto/rand and
// formats them in groups. Uniqueness is the caller's problem.
func GenerateKey() (string, error) {
	return generateKey(rand.Reader)
}

func generateKey(r io.Reader) (string, error) {
	size := big.NewInt(int64(len(KeyAlphabet)))
	b := make([]byte, KeyLength)
	for i := range b {
		n, err := rand.Int(r, size)
		if err != nil {
			return "", fmt.Errorf("key gen: %w", err)
		}
		b[i] = KeyAlphabet[n.Int64()]
	}
	return formatKey(string(b)), nil
}

func formatKey(raw string) string {
	groups := make([]string, 0, len(raw)/KeyGroupSize)
	for i := 0; i < len(raw); i += KeyGroupSize {
		end := i + KeyGroupSize
		if end > len(raw) {
			end = len(raw)
		}
		groups = append(groups, raw[i:end])
	}
	return strings.Join(groups, KeyDelimiter)
}

// NormalizeKey strips delimiters and whitespace, upper-cases, checks length
// and alphabet, and returns the canonical grouped form.
func NormalizeKey(input string) (string, error) {
	var b strings.Builder
	b.Grow(KeyLength)
	for _, r := range input {
		if r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	raw := b.String()
	if len(raw) != KeyLength {
		return "", fmt.Errorf("%w: want %d symbols, got %d", ErrInvalidKeyFormat, KeyLength, len(raw))
	}
	for _, r := range raw {
		if !strings.ContainsRune(KeyAlphabet, r) {
			return "", fmt.Errorf("%w: symbol %q not allowed", ErrInvalidKeyFormat, r)
		}
	}
	return formatKey(raw), nil
}

type CodecConfig struct {
	Passphrase  string
	Salt        string
	AllowLegacy bool
}

// Codec turns plaintext keys into a lookup hash and a recoverable
// ciphertext. It is immutable after construction.
type Codec struct {
	aead      cipher.AEAD
	macKey    []byte
	legacyKey []byte
}

// NewCodec runs the key derivation once. It is CPU heavy, so build the
// codec at startup, not per request.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase not configured", ErrCrypto)
	}
	salt := cfg.Salt
	if salt == "" {
		salt = "salt"
	}

	dk, err := scrypt.Key([]byte(cfg.Passphrase), []byte(salt), kdfN, kdfR, kdfP, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: kdf: %v", ErrCrypto, err)
	}

	block, err := aes.NewCipher(dk[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm init: %v", ErrCrypto, err)
	}

	c := &Codec{aead: aead, macKey: dk[32:]}

	if cfg.AllowLegacy {
		lk, err := scrypt.Key([]byte(cfg.Passphrase), []byte(salt), legacyKdfN, kdfR, kdfP, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: legacy kdf: %v", ErrCrypto, err)
		}
		c.legacyKey = lk
	}

	return c, nil
}

// Hash is the deterministic lookup token for a canonical key.
func (c *Codec) Hash(key string) (string, error) {
	if c == nil || len(c.macKey) == 0 {
		return "", fmt.Errorf("%w: codec not configured", ErrCrypto)
	}
	m := hmac.New(sha256.New, c.macKey)
	m.Write([]byte(key))
	return hex.EncodeToString(m.Sum(nil)), nil
}

// Encrypt seals the key with a fresh nonce. Two calls on the same key give
// different ciphertexts; use Hash for lookups.
func (c *Codec) Encrypt(key string) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("%w: codec not configured", ErrCrypto)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: nonce gen: %v", ErrCrypto, err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(key), []byte(ciphertextVersion))
	return ciphertextVersion + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens a v2 ciphertext, or a legacy "hex(iv):hex(ct)" CBC one when
// legacy support is on.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("%w: codec not configured", ErrCrypto)
	}
	prefix, body, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrCrypto)
	}
	if prefix != ciphertextVersion {
		return c.decryptLegacy(prefix, body)
	}

	data, err := hex.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("%w: invalid hex: %v", ErrCrypto, err)
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], []byte(ciphertextVersion))
	if err != nil {
		return "", fmt.Errorf("%w: decrypt: %v", ErrCrypto, err)
	}
	return string(plain), nil
}

func (c *Codec) decryptLegacy(ivHex, ctHex string) (string, error) {
	if len(c.legacyKey) == 0 {
		return "", fmt.Errorf("%w: unsupported ciphertext version", ErrCrypto)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: invalid legacy iv", ErrCrypto)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: invalid legacy ciphertext", ErrCrypto)
	}
	block, err := aes.NewCipher(c.legacyKey)
	if err != nil {
		return "", fmt.Errorf("%w: cipher init: %v", ErrCrypto, err)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	plain, err := pkcs7Unpad(out)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return string(plain), nil
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("bad padding")
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, fmt.Errorf("bad padding")
	}
	return b[:len(b)-n], nil
}

package ringoram

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// ErrCiphertextMisaligned is returned when a CBC ciphertext is not a
// multiple of the AES block size.
var ErrCiphertextMisaligned = fmt.Errorf("%w: ciphertext length not a multiple of %d", ErrCrypto, aes.BlockSize)

// Encryptor provides block encryption and decryption.
// blockID and leaf identify the slot occupant; implementations may bind
// them to the ciphertext or ignore them.
type Encryptor interface {
	// Encrypt encrypts plaintext for the given block.
	Encrypt(blockID, leaf int, plaintext []byte) ([]byte, error)

	// Decrypt decrypts ciphertext for the given block.
	Decrypt(blockID, leaf int, ciphertext []byte) ([]byte, error)

	// Overhead returns the maximum number of extra bytes added by encryption.
	Overhead() int
}

// NoOpEncryptor stores blocks in the clear. The "none" cipher selects it;
// the in-process engine from NewInMemory uses it too.
type NoOpEncryptor struct{}

func (NoOpEncryptor) Encrypt(_, _ int, plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (NoOpEncryptor) Decrypt(_, _ int, ciphertext []byte) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}

func (NoOpEncryptor) Overhead() int { return 0 }

// AESCBCEncryptor encrypts with AES-CBC under a random IV and PKCS#7
// padding. Output format: IV (16 bytes) || ciphertext. Every output length
// is a multiple of 16. Empty payloads pass through unencrypted.
type AESCBCEncryptor struct {
	block cipher.Block
}

// NewAESCBCEncryptor creates a CBC encryptor from a 16, 24 or 32 byte key.
func NewAESCBCEncryptor(key []byte) (*AESCBCEncryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return &AESCBCEncryptor{block: block}, nil
}

// Encrypt pads and encrypts plaintext.
func (e *AESCBCEncryptor) Encrypt(blockID, leaf int, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	out := make([]byte, aes.BlockSize+len(plaintext)+pad)
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, ErrEncryptionFailed
	}
	body := out[aes.BlockSize:]
	copy(body, plaintext)
	for i := len(plaintext); i < len(body); i++ {
		body[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(e.block, iv).CryptBlocks(body, body)
	return out, nil
}

// Decrypt reverses Encrypt. A ciphertext whose length is not a multiple of
// 16 yields ErrCiphertextMisaligned.
func (e *AESCBCEncryptor) Decrypt(blockID, leaf int, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrCiphertextMisaligned
	}
	if len(ciphertext) < 2*aes.BlockSize {
		return nil, ErrDecryptionFailed
	}
	body := make([]byte, len(ciphertext)-aes.BlockSize)
	cipher.NewCBCDecrypter(e.block, ciphertext[:aes.BlockSize]).CryptBlocks(body, ciphertext[aes.BlockSize:])
	pad := int(body[len(body)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, ErrDecryptionFailed
	}
	for _, p := range body[len(body)-pad:] {
		if int(p) != pad {
			return nil, ErrDecryptionFailed
		}
	}
	return body[:len(body)-pad], nil
}

// Overhead returns IV size plus a full padding block.
func (e *AESCBCEncryptor) Overhead() int {
	return 2 * aes.BlockSize
}

// AESGCMEncryptor seals each block under a random 12-byte nonce with the
// block index and its leaf as associated data. A slot copied to another
// index, or a copy opened under a leaf other than the one it was sealed for,
// fails authentication. Output format: nonce || sealed payload || tag.
type AESGCMEncryptor struct {
	aead cipher.AEAD
}

const gcmNonceSize = 12

// NewAESGCMEncryptor creates a GCM encryptor from a 16, 24 or 32 byte key.
func NewAESGCMEncryptor(key []byte) (*AESGCMEncryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESGCMEncryptor{aead: aead}, nil
}

func (e *AESGCMEncryptor) Encrypt(blockID, leaf int, plaintext []byte) ([]byte, error) {
	out := make([]byte, gcmNonceSize, gcmNonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, ErrEncryptionFailed
	}
	return e.aead.Seal(out, out, plaintext, slotAAD(blockID, leaf)), nil
}

func (e *AESGCMEncryptor) Decrypt(blockID, leaf int, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < e.Overhead() {
		return nil, ErrDecryptionFailed
	}
	nonce, sealed := ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, slotAAD(blockID, leaf))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (e *AESGCMEncryptor) Overhead() int {
	return gcmNonceSize + e.aead.Overhead()
}

// slotAAD is the little-endian (blockID, leaf) pair, 8 bytes each.
func slotAAD(blockID, leaf int) []byte {
	var aad [16]byte
	binary.LittleEndian.PutUint64(aad[:8], uint64(blockID))
	binary.LittleEndian.PutUint64(aad[8:], uint64(leaf))
	return aad[:]
}

var hkdfInfoBlockKey = []byte("ringoram.block.v1")

// DeriveKey expands a master secret into a size-byte block cipher key with
// HKDF-SHA256.
func DeriveKey(master []byte, size int) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("%w: empty master secret", ErrCrypto)
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfoBlockKey), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// RandomKey returns a fresh random key of the given size.
func RandomKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// KeyFingerprint returns a short keyed-hash identifier that is safe to log.
func KeyFingerprint(key []byte) string {
	h := blake3.New()
	h.Write([]byte("ringoram.key.fingerprint.v1"))
	h.Write(key)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// NewEncryptor builds the named encryptor: "aes-cbc", "aes-gcm" or "none".
func NewEncryptor(name string, key []byte) (Encryptor, error) {
	switch name {
	case "", "aes-cbc":
		return NewAESCBCEncryptor(key)
	case "aes-gcm":
		return NewAESGCMEncryptor(key)
	case "none":
		return NoOpEncryptor{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown cipher %q", ErrInvalidConfig, name)
	}
}

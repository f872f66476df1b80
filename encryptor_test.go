package ringoram

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
)

func TestAESCBCEncryptor(t *testing.T) {
	key, err := RandomKey(16)
	if err != nil {
		t.Fatalf("RandomKey: %v", err)
	}
	enc, err := NewAESCBCEncryptor(key)
	if err != nil {
		t.Fatalf("NewAESCBCEncryptor failed: %v", err)
	}

	for _, n := range []int{1, 15, 16, 17, 255, 256} {
		t.Run(fmt.Sprintf("len=%d", n), func(t *testing.T) {
			plaintext := make([]byte, n)
			rand.Read(plaintext)

			ct, err := enc.Encrypt(3, 1, plaintext)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if len(ct)%16 != 0 {
				t.Errorf("ciphertext length %d is not a multiple of 16", len(ct))
			}
			if len(ct) > n+enc.Overhead() {
				t.Errorf("ciphertext length %d exceeds %d", len(ct), n+enc.Overhead())
			}
			pt, err := enc.Decrypt(3, 1, ct)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if !bytes.Equal(pt, plaintext) {
				t.Errorf("Decrypt mismatch: got %x, want %x", pt, plaintext)
			}
		})
	}

	ct1, _ := enc.Encrypt(1, 0, []byte("same"))
	ct2, _ := enc.Encrypt(1, 0, []byte("same"))
	if bytes.Equal(ct1, ct2) {
		t.Error("two encryptions of the same plaintext should differ (random IV)")
	}

	if pt, err := enc.Encrypt(1, 0, nil); err != nil || pt != nil {
		t.Errorf("Encrypt(nil) = %x, %v, want nil, nil", pt, err)
	}
}

func TestAESCBCEncryptor_Failures(t *testing.T) {
	enc, err := NewAESCBCEncryptor(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	ct, _ := enc.Encrypt(0, 0, []byte("hello"))

	_, err = enc.Decrypt(0, 0, ct[:len(ct)-3])
	if !errors.Is(err, ErrCiphertextMisaligned) || !errors.Is(err, ErrCrypto) {
		t.Errorf("Decrypt(misaligned) error = %v, want ErrCiphertextMisaligned wrapping ErrCrypto", err)
	}

	// A final block ending in 0x00 is not valid PKCS#7.
	badPad := make([]byte, 32)
	cipher.NewCBCEncrypter(enc.block, badPad[:16]).CryptBlocks(badPad[16:], make([]byte, 16))
	if _, err := enc.Decrypt(0, 0, badPad); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Decrypt(bad padding) error = %v, want ErrDecryptionFailed", err)
	}

	if _, err := enc.Decrypt(0, 0, ct[:16]); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Decrypt(IV only) error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := NewAESCBCEncryptor(make([]byte, 7)); err == nil {
		t.Error("NewAESCBCEncryptor accepted a 7-byte key")
	}
}

func TestAESGCMEncryptor(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	enc, err := NewAESGCMEncryptor(key)
	if err != nil {
		t.Fatalf("NewAESGCMEncryptor failed: %v", err)
	}

	plaintext := []byte("hello world 1234")
	ciphertext, err := enc.Encrypt(1, 2, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(ciphertext) != len(plaintext)+enc.Overhead() {
		t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+enc.Overhead())
	}

	decrypted, err := enc.Decrypt(1, 2, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt mismatch: got %x, want %x", decrypted, plaintext)
	}

	// Block id and leaf are bound to the ciphertext.
	if _, err := enc.Decrypt(999, 2, ciphertext); err != ErrDecryptionFailed {
		t.Errorf("Decrypt with wrong blockID should fail, got %v", err)
	}
	if _, err := enc.Decrypt(1, 3, ciphertext); err != ErrDecryptionFailed {
		t.Errorf("Decrypt with wrong leaf should fail, got %v", err)
	}
}

func TestNoOpEncryptor(t *testing.T) {
	enc := NoOpEncryptor{}
	plaintext := []byte("test data")

	ct, err := enc.Encrypt(1, 2, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !bytes.Equal(ct, plaintext) {
		t.Error("NoOpEncryptor should return plaintext unchanged")
	}
	pt, err := enc.Decrypt(1, 2, ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Error("NoOpEncryptor Decrypt should return input unchanged")
	}
	if enc.Overhead() != 0 {
		t.Errorf("Overhead() = %d, want 0", enc.Overhead())
	}
}

func TestNewEncryptor(t *testing.T) {
	key := make([]byte, 16)
	tests := []struct {
		name         string
		wantOverhead int
		wantErr      error
	}{
		{"", 32, nil},
		{"aes-cbc", 32, nil},
		{"aes-gcm", 28, nil},
		{"none", 0, nil},
		{"des", 0, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("cipher=%q", tt.name), func(t *testing.T) {
			enc, err := NewEncryptor(tt.name, key)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewEncryptor() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && enc.Overhead() != tt.wantOverhead {
				t.Errorf("Overhead() = %d, want %d", enc.Overhead(), tt.wantOverhead)
			}
		})
	}
}

func TestDeriveKey(t *testing.T) {
	k1, err := DeriveKey([]byte("master"), 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, _ := DeriveKey([]byte("master"), 32)
	k3, _ := DeriveKey([]byte("other"), 32)
	if len(k1) != 32 || !bytes.Equal(k1, k2) {
		t.Errorf("DeriveKey is not deterministic: %x vs %x", k1, k2)
	}
	if bytes.Equal(k1, k3) {
		t.Error("different secrets derived the same key")
	}
	if _, err := DeriveKey(nil, 16); !errors.Is(err, ErrCrypto) {
		t.Errorf("DeriveKey(nil) error = %v, want ErrCrypto", err)
	}
}

func TestKeyFingerprint(t *testing.T) {
	a := KeyFingerprint([]byte("key a"))
	if len(a) != 16 {
		t.Errorf("fingerprint %q has length %d, want 16", a, len(a))
	}
	if a != KeyFingerprint([]byte("key a")) {
		t.Error("fingerprint is not stable")
	}
	if a == KeyFingerprint([]byte("key b")) {
		t.Error("different keys share a fingerprint")
	}
}

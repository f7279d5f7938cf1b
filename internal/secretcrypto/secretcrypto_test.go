package secretcrypto_test

import (
	"encoding/base64"
	"testing"

	"github.com/yangtao121/Bambu-consumables-management/internal/secretcrypto"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	codec, err := secretcrypto.NewCodec(testKey())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	ciphertext, err := codec.Encrypt("12345678")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == "12345678" {
		t.Fatal("expected ciphertext to differ from plaintext")
	}

	plaintext, err := codec.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "12345678" {
		t.Fatalf("expected round-trip to recover plaintext, got %q", plaintext)
	}
}

func TestNewCodecRejectsBadKey(t *testing.T) {
	if _, err := secretcrypto.NewCodec(""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := secretcrypto.NewCodec("not-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

package hipaa

import (
	"crypto/rand"
	"strings"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestNewSealer(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		if _, err := NewSealer(generateTestKey(t)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("key too short", func(t *testing.T) {
		if _, err := NewSealer(make([]byte, 16)); err == nil {
			t.Fatal("expected error for 16-byte key")
		}
	})

	t.Run("empty key", func(t *testing.T) {
		if _, err := NewSealer(nil); err == nil {
			t.Fatal("expected error for empty key")
		}
	})
}

func TestSealOpen_RoundTrip(t *testing.T) {
	s, err := NewSealer(generateTestKey(t))
	if err != nil {
		t.Fatalf("create sealer: %v", err)
	}

	for _, plaintext := range []string{
		"eyJhbGciOiJSUzI1NiJ9.access",
		"",
		"refresh-token/with+symbols=",
		strings.Repeat("x", 4096),
	} {
		sealed, err := s.Seal(plaintext)
		if err != nil {
			t.Fatalf("seal %q: %v", plaintext, err)
		}
		if !IsSealed(sealed) {
			t.Errorf("expected sealed prefix on %q", sealed)
		}
		if plaintext != "" && strings.Contains(sealed, plaintext) {
			t.Errorf("sealed value leaks plaintext")
		}
		got, err := s.Open(sealed)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestSeal_NonceIsRandom(t *testing.T) {
	s, _ := NewSealer(generateTestKey(t))
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Error("expected different ciphertexts for the same plaintext")
	}
}

func TestOpen_WrongKey(t *testing.T) {
	s1, _ := NewSealer(generateTestKey(t))
	s2, _ := NewSealer(generateTestKey(t))
	sealed, _ := s1.Seal("secret")
	if _, err := s2.Open(sealed); err == nil {
		t.Fatal("expected error opening with the wrong key")
	}
}

func TestOpen_Malformed(t *testing.T) {
	s, _ := NewSealer(generateTestKey(t))
	for _, v := range []string{"plain", sealedPrefix + "!!!", sealedPrefix + "AAAA"} {
		if _, err := s.Open(v); err == nil {
			t.Errorf("expected error for %q", v)
		}
	}
}

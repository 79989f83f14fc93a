package device

import (
	"strings"
	"testing"
)

func TestGenerateSecret(t *testing.T) {
	first, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	second, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}

	if first == second {
		t.Error("two generated secrets are identical")
	}
	if len(first) < 32 {
		t.Errorf("secret length = %d, want at least 32", len(first))
	}
	if strings.ContainsAny(first, "+/=") {
		t.Errorf("secret %q is not URL-safe", first)
	}
}

func TestHashAndVerifySecret(t *testing.T) {
	secret := "test-secret-value"

	hash, err := HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}

	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Errorf("hash %q is not in Argon2id PHC format", hash)
	}

	t.Run("correct secret verifies", func(t *testing.T) {
		ok, err := VerifySecret(secret, hash)
		if err != nil {
			t.Fatalf("VerifySecret() error = %v", err)
		}
		if !ok {
			t.Error("correct secret did not verify")
		}
	})

	t.Run("wrong secret does not verify", func(t *testing.T) {
		ok, err := VerifySecret("wrong", hash)
		if err != nil {
			t.Fatalf("VerifySecret() error = %v", err)
		}
		if ok {
			t.Error("wrong secret verified")
		}
	})

	t.Run("same secret hashes differently", func(t *testing.T) {
		other, err := HashSecret(secret)
		if err != nil {
			t.Fatalf("HashSecret() error = %v", err)
		}
		if other == hash {
			t.Error("two hashes of the same secret are identical (salt reuse)")
		}
	})
}

func TestVerifySecret_MalformedHash(t *testing.T) {
	cases := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"not PHC", "plainhash"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=1$c2FsdA$aGFzaA"},
		{"missing sections", "$argon2id$v=19$m=65536,t=3,p=1"},
		{"bad salt encoding", "$argon2id$v=19$m=65536,t=3,p=1$!!!$aGFzaA"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := VerifySecret("secret", tc.hash); err == nil {
				t.Errorf("VerifySecret(%q) error = nil, want error", tc.hash)
			}
		})
	}
}

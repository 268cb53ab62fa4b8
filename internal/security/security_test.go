package security

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateAPIKey(t *testing.T) {
	t.Parallel()
	key1, errGen := GenerateAPIKey()
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}
	if !strings.HasPrefix(key1, "sk-") {
		t.Fatalf("expected sk- prefix, got %q", key1)
	}
	if len(key1) != len("sk-")+48 {
		t.Fatalf("unexpected key length %d", len(key1))
	}
	key2, _ := GenerateAPIKey()
	if key1 == key2 {
		t.Fatal("keys must be random")
	}
}

func TestAdminTokenRoundTrip(t *testing.T) {
	t.Parallel()
	token, errGen := GenerateAdminToken("secret", "admin", time.Hour)
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}

	claims, errParse := ParseAdminToken("secret", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.Subject != "admin" {
		t.Fatalf("expected subject admin, got %q", claims.Subject)
	}

	if _, errWrong := ParseAdminToken("other-secret", token); !errors.Is(errWrong, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", errWrong)
	}
}

func TestAdminTokenExpired(t *testing.T) {
	t.Parallel()
	token, errGen := GenerateAdminToken("secret", "admin", -time.Minute)
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}
	if _, errParse := ParseAdminToken("secret", token); !errors.Is(errParse, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", errParse)
	}
}

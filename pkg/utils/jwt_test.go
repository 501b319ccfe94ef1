package utils

import (
	"context"
	"testing"
)

func TestGenerateAndValidateToken(t *testing.T) {
	SetSecret("test-secret")

	token, err := GenerateToken("user-1", []string{"admin"})
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", claims.UserID)
	}

	SetSecret("other-secret")
	if _, err := ValidateToken(token); err == nil {
		t.Error("expected token signed with another secret to be rejected")
	}
}

func TestActorID(t *testing.T) {
	if got := ActorID(context.Background()); got != "system" {
		t.Errorf("ActorID(empty) = %q, want system", got)
	}
	ctx := context.WithValue(context.Background(), UserClaimsKey, &UserClaims{UserID: "u-9"})
	if got := ActorID(ctx); got != "u-9" {
		t.Errorf("ActorID = %q, want u-9", got)
	}
}

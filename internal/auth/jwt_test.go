package auth

import "testing"

func TestGenerateAndValidateRoundTrip(t *testing.T) {
	m := NewJWTManager("sign-secret", []string{"sign-secret"}, "meristem-core", 0)
	token, err := m.GenerateToken("u1", "alice", "org1", false, []string{"node:read"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Username != "alice" || claims.OrgID != "org1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestRotatedOutSecretStillVerifies(t *testing.T) {
	signer := NewJWTManager("old-secret", []string{"old-secret"}, "meristem-core", 0)
	token, err := signer.GenerateToken("u1", "alice", "org1", false, nil)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	// After rotation, the verify set carries both the new sign secret
	// and the old one for the grace window; tokens issued before
	// rotation must keep validating.
	rotated := NewJWTManager("new-secret", []string{"new-secret", "old-secret"}, "meristem-core", 0)
	if _, err := rotated.ValidateToken(token); err != nil {
		t.Fatalf("expected rotated verifier to still accept the old-secret token: %v", err)
	}
}

func TestSecretNotInVerifySetRejected(t *testing.T) {
	signer := NewJWTManager("secret-a", []string{"secret-a"}, "meristem-core", 0)
	token, err := signer.GenerateToken("u1", "alice", "org1", false, nil)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	verifier := NewJWTManager("secret-b", []string{"secret-b"}, "meristem-core", 0)
	if _, err := verifier.ValidateToken(token); err == nil {
		t.Fatal("expected rejection: secret-a is not in the verify set")
	}
}

func TestRequireSuperadminRejectsNonSuperadmin(t *testing.T) {
	if err := RequireSuperadmin(&Claims{Superadmin: false}); err == nil {
		t.Fatal("expected access denied for a non-superadmin claim")
	}
	if err := RequireSuperadmin(&Claims{Superadmin: true}); err != nil {
		t.Fatalf("expected superadmin claim to pass, got %v", err)
	}
	if err := RequireSuperadmin(nil); err == nil {
		t.Fatal("expected access denied for nil claims")
	}
}

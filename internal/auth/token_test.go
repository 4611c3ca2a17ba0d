// ABOUTME: Tests for JWT issuance, verification, and claim round-trips
// ABOUTME: Covers expiry, tampering, missing claims, and ACL scope mapping

package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"))

	in := Claims{
		UserID:      "user-1",
		Username:    "alice",
		WorkspaceID: "ws-1",
		UserType:    1,
		ACL: ACL{
			Pub: []string{"thing/drc/SN1/drone/down"},
			Sub: []string{"thing/drc/SN1/drone/up"},
		},
	}

	token, err := svc.Issue(in, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	out, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if out.UserID != in.UserID {
		t.Errorf("UserID = %q, want %q", out.UserID, in.UserID)
	}
	if out.Username != in.Username {
		t.Errorf("Username = %q, want %q", out.Username, in.Username)
	}
	if out.WorkspaceID != in.WorkspaceID {
		t.Errorf("WorkspaceID = %q, want %q", out.WorkspaceID, in.WorkspaceID)
	}
	if out.UserType != in.UserType {
		t.Errorf("UserType = %d, want %d", out.UserType, in.UserType)
	}
	if len(out.ACL.Pub) != 1 || out.ACL.Pub[0] != in.ACL.Pub[0] {
		t.Errorf("ACL.Pub = %v, want %v", out.ACL.Pub, in.ACL.Pub)
	}
	if len(out.ACL.Sub) != 1 || out.ACL.Sub[0] != in.ACL.Sub[0] {
		t.Errorf("ACL.Sub = %v, want %v", out.ACL.Sub, in.ACL.Sub)
	}
}

func TestRoundTripWithoutACL(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"))

	token, err := svc.Issue(Claims{UserID: "user-1", WorkspaceID: "ws-1", UserType: 2}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	out, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if out.ACL.Pub != nil || out.ACL.Sub != nil {
		t.Errorf("expected empty ACL, got %+v", out.ACL)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"))

	token, err := svc.Issue(Claims{UserID: "user-1", WorkspaceID: "ws-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = svc.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer := NewJWTService([]byte("secret-a"))
	verifier := NewJWTService([]byte("secret-b"))

	token, err := issuer.Issue(Claims{UserID: "user-1", WorkspaceID: "ws-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyTamperedToken(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"))

	token, err := svc.Issue(Claims{UserID: "user-1", WorkspaceID: "ws-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + ".eyJzdWIiOiJldmlsIn0." + parts[2]

	_, err = svc.Verify(tampered)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"))
	_, err := svc.Verify("not.a.token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyMissingWorkspaceClaim(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"))

	token, err := svc.Issue(Claims{UserID: "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = svc.Verify(token)
	if !errors.Is(err, ErrMissingClaim) {
		t.Fatalf("Verify() error = %v, want ErrMissingClaim", err)
	}
}

func TestDrcACLScope(t *testing.T) {
	acl := DrcACL("SN1")
	if len(acl.Pub) != 1 || acl.Pub[0] != "thing/drc/SN1/drone/down" {
		t.Errorf("Pub = %v", acl.Pub)
	}
	if len(acl.Sub) != 1 || acl.Sub[0] != "thing/drc/SN1/drone/up" {
		t.Errorf("Sub = %v", acl.Sub)
	}
}

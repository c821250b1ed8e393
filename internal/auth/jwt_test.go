package auth

import (
	"testing"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:      "secret",
		JWTIssuer:      "voice-platform",
		JWTAudience:    "dashboard",
		AccessTokenTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerify(t *testing.T) {
	m := testManager(t)
	now := time.Unix(1700000000, 0).UTC()

	tok, err := m.Issue(now, "user-1", RoleOperator)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := m.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != RoleOperator {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := testManager(t)
	now := time.Unix(1700000000, 0).UTC()

	tok, _ := m.Issue(now, "user-1", RoleViewer)
	if _, err := m.Verify(tok, now.Add(16*time.Minute)); err == nil {
		t.Fatalf("expected expiry rejection")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m := testManager(t)
	other, _ := NewManager(config.AuthConfig{JWTSecret: "different"})
	now := time.Unix(1700000000, 0).UTC()

	tok, _ := other.Issue(now, "user-1", RoleViewer)
	if _, err := m.Verify(tok, now); err == nil {
		t.Fatalf("expected signature rejection")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	m := testManager(t)
	other, _ := NewManager(config.AuthConfig{
		JWTSecret: "secret",
		JWTIssuer: "someone-else",
	})
	now := time.Unix(1700000000, 0).UTC()

	tok, _ := other.Issue(now, "user-1", RoleViewer)
	if _, err := m.Verify(tok, now); err == nil {
		t.Fatalf("expected issuer rejection")
	}
}

func TestVerifyRequiresUserAndRole(t *testing.T) {
	m := testManager(t)
	now := time.Unix(1700000000, 0).UTC()

	tok, _ := m.Issue(now, "", RoleViewer)
	if _, err := m.Verify(tok, now); err == nil {
		t.Fatalf("expected rejection for missing user_id")
	}

	tok, _ = m.Issue(now, "user-1", "")
	if _, err := m.Verify(tok, now); err == nil {
		t.Fatalf("expected rejection for missing role")
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	if _, err := NewManager(config.AuthConfig{}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret-that-is-32-chars-!"

func newTestManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(testSecret, "auditledger")
	if err != nil {
		t.Fatalf("NewJWTManager() error: %v", err)
	}
	return m
}

func TestNewJWTManager_RejectsShortSecret(t *testing.T) {
	if _, err := NewJWTManager("too-short", "auditledger"); err == nil {
		t.Error("NewJWTManager() expected error for short secret, got nil")
	}
}

func TestGenerateAndValidateJWT(t *testing.T) {
	m := newTestManager(t)
	want := Principal{UserID: 7, CompanyID: 3, Role: RoleManager}

	token, err := m.GenerateJWT(want, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT() error: %v", err)
	}
	if token == "" {
		t.Fatal("GenerateJWT() returned empty token")
	}

	got, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error: %v", err)
	}
	if *got != want {
		t.Errorf("ValidateToken() = %+v, want %+v", *got, want)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	m := newTestManager(t)

	t.Run("expired token", func(t *testing.T) {
		m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		token, err := m.GenerateJWT(Principal{UserID: 1, CompanyID: 1, Role: RoleViewer}, time.Hour)
		m.now = time.Now
		if err != nil {
			t.Fatalf("GenerateJWT() error: %v", err)
		}
		if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, _ := NewJWTManager("another-secret-that-is-32-chars-long", "auditledger")
		token, _ := other.GenerateJWT(Principal{UserID: 1, CompanyID: 1, Role: RoleViewer}, time.Hour)
		if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, _ := NewJWTManager(testSecret, "someone-else")
		token, _ := other.GenerateJWT(Principal{UserID: 1, CompanyID: 1, Role: RoleViewer}, time.Hour)
		if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		token, _ := m.GenerateJWT(Principal{UserID: 1, CompanyID: 1, Role: "Superuser"}, time.Hour)
		if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("missing company", func(t *testing.T) {
		token, _ := m.GenerateJWT(Principal{UserID: 1, Role: RoleViewer}, time.Hour)
		if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("none algorithm", func(t *testing.T) {
		claims := &Claims{
			UserID: 1, CompanyID: 1, Role: string(RoleAdministrator),
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "auditledger",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("SignedString() error: %v", err)
		}
		if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := m.ValidateToken("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
		}
	})
}

func TestPrincipalRoles(t *testing.T) {
	admin := Principal{Role: RoleAdministrator}
	rep := Principal{Role: RoleSalesRep}

	if !admin.IsAdmin() || rep.IsAdmin() {
		t.Error("IsAdmin() mismatch")
	}
	if !rep.HasAnyRole(RoleManager, RoleSalesRep) {
		t.Error("HasAnyRole() = false, want true")
	}
	if rep.HasAnyRole(RoleAdministrator) {
		t.Error("HasAnyRole(Administrator) = true for sales rep")
	}
}

func TestValidateRole(t *testing.T) {
	for _, r := range AllRoles() {
		if err := ValidateRole(string(r)); err != nil {
			t.Errorf("ValidateRole(%q) error: %v", r, err)
		}
	}
	for _, bad := range []string{"", "administrator", "root"} {
		if err := ValidateRole(bad); err == nil {
			t.Errorf("ValidateRole(%q) expected error", bad)
		}
	}
}

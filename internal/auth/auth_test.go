package auth

import (
	"errors"
	"testing"
)

func TestVerifySingleUser(t *testing.T) {
	a := New("test@example.org", "insecure", false)

	tests := []struct {
		name        string
		identity    string
		password    string
		wantAccount string
		wantErr     bool
	}{
		{
			name:        "matching identity",
			identity:    "test@example.org",
			password:    "insecure",
			wantAccount: "test@example.org",
		},
		{
			name:        "mistyped identity still binds to the account",
			identity:    "typo@example.org",
			password:    "insecure",
			wantAccount: "test@example.org",
		},
		{
			name:        "identity case and whitespace ignored",
			identity:    "  TEST@Example.ORG ",
			password:    "insecure",
			wantAccount: "test@example.org",
		},
		{
			name:        "empty identity",
			identity:    "",
			password:    "insecure",
			wantAccount: "test@example.org",
		},
		{
			name:     "wrong password",
			identity: "test@example.org",
			password: "wrong",
			wantErr:  true,
		},
		{
			name:     "empty password",
			identity: "test@example.org",
			password: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, err := a.Verify("smtp", tt.identity, tt.password)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCredentials) {
					t.Fatalf("err = %v, want ErrInvalidCredentials", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if account != tt.wantAccount {
				t.Errorf("account = %q, want %q", account, tt.wantAccount)
			}
		})
	}
}

func TestVerifyMultiUser(t *testing.T) {
	a := New("test@example.org", "insecure", true)

	account, err := a.Verify("imap", "Alice@Example.ORG", "insecure")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if account != "alice@example.org" {
		t.Errorf("account = %q, want alice@example.org", account)
	}

	// Empty identity still falls back to the primary account.
	account, err = a.Verify("imap", "", "insecure")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if account != "test@example.org" {
		t.Errorf("account = %q, want test@example.org", account)
	}

	if _, err := a.Verify("imap", "alice@example.org", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyArgon2Secret(t *testing.T) {
	encoded, err := HashPassword("insecure")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	a := New("test@example.org", encoded, false)

	if _, err := a.Verify("http", "test@example.org", "insecure"); err != nil {
		t.Fatalf("Verify with correct password: %v", err)
	}
	if _, err := a.Verify("http", "test@example.org", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	// The encoded form itself must not pass as the password.
	if _, err := a.Verify("http", "test@example.org", encoded); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("encoded secret accepted as password")
	}
}

func TestVerifyEmptySecretRejectsAll(t *testing.T) {
	a := New("test@example.org", "", false)
	if _, err := a.Verify("smtp", "test@example.org", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty secret must reject, got %v", err)
	}
}

package policy

import (
	"testing"

	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
)

func TestCheckCommandAllowed(t *testing.T) {
	if err := CheckCommandAllowed(nil, "execute"); err != nil {
		t.Fatalf("unexpected error with empty allowlist: %v", err)
	}
	if err := CheckCommandAllowed([]string{"trades show"}, "Trades  Show"); err != nil {
		t.Fatalf("expected command to be allowed: %v", err)
	}
	if err := CheckCommandAllowed([]string{"trades"}, "trades events"); err != nil {
		t.Fatalf("expected parent entry to allow subcommand: %v", err)
	}
	err := CheckCommandAllowed([]string{"trades show"}, "execute")
	if !clierr.Is(err, clierr.CodeCommandBlocked) {
		t.Fatalf("expected command_blocked, got %v", err)
	}
	if err := CheckCommandAllowed([]string{"trade"}, "trades show"); err == nil {
		t.Fatal("expected prefix without word boundary to be blocked")
	}
}

func TestRequiresSigner(t *testing.T) {
	for path, want := range map[string]bool{
		"execute":     true,
		"wrap":        true,
		"serve":       true,
		"trades show": false,
		"version":     false,
		"":            false,
	} {
		if got := RequiresSigner(path); got != want {
			t.Fatalf("RequiresSigner(%q) = %v, want %v", path, got, want)
		}
	}
}

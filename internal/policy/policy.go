package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
)

// signingCommands broadcast or sign and require a fully validated signer configuration.
var signingCommands = map[string]bool{
	"execute":   true,
	"wrap":      true,
	"serve":     true,
	"poll":      true,
	"reconcile": true,
}

// CheckCommandAllowed enforces the --enable-commands allowlist. An entry also
// allows every subcommand below it, so "trades" allows "trades show".
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		norm := normalize(allowed)
		if norm == "" {
			continue
		}
		if norm == normPath || strings.HasPrefix(normPath, norm+" ") {
			return nil
		}
	}
	return clierr.Newf(clierr.CodeCommandBlocked, "command %q blocked by --enable-commands policy", normPath)
}

// RequiresSigner reports whether the command needs chain and signer wiring.
func RequiresSigner(commandPath string) bool {
	parts := strings.Fields(normalize(commandPath))
	if len(parts) == 0 {
		return false
	}
	return signingCommands[parts[0]]
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}

package routeros

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ResolveCredentials turns a credentials reference into a password.
// "env:NAME" reads an environment variable, "file:PATH" reads a file and
// anything else is used as the password itself.
func ResolveCredentials(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("credentials: environment variable %s is not set", name)
		}
		return v, nil
	case strings.HasPrefix(ref, "file:"):
		data, err := os.ReadFile(strings.TrimPrefix(ref, "file:"))
		if err != nil {
			return "", fmt.Errorf("credentials: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	case ref == "":
		return "", errors.New("credentials: empty reference")
	default:
		return ref, nil
	}
}

package config

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// redacted stands in for secret material anywhere a Secret could leak
// into logs, status payloads or a re-marshaled config.
const redacted = "[REDACTED]"

// Secret holds credential material: broker passwords, API secrets,
// webhook tokens. Every formatting path prints a placeholder; call
// Reveal at the single point where the raw value is handed to the
// broker or compared against a request.
type Secret string

// Reveal returns the raw value.
func (s Secret) Reveal() string { return string(s) }

// IsSet reports whether a value was configured at all.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString covers the %#v verb, which bypasses String.
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"` + redacted + `"`
}

// MarshalYAML keeps secrets out of config dumps.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return redacted, nil
}

// MarshalJSON keeps secrets out of the status and health endpoints,
// which serialize config sections verbatim.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// UnmarshalYAML strips surrounding whitespace from the scalar. Tokens
// injected through env expansion tend to arrive with a trailing
// newline, and a token that fails comparison by one invisible byte is
// miserable to debug.
func (s *Secret) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*s = Secret(strings.TrimSpace(raw))
	return nil
}

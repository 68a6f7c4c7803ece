package audit

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Redacted replaces every removed value.
const Redacted = "[REDACTED]"

// DefaultKeyPattern matches credential-like field names at any depth.
const DefaultKeyPattern = `(?i)(pass(word)?|secret|token|api[_-]?key|credential|auth|private[_-]?key|cookie|session)`

// defaultValuePatterns catch secrets that sit under innocent keys. The
// prefixes are self-identifying so false positives stay rare.
var defaultValuePatterns = []string{
	`(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`,
	`-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----[\s\S]*?(?:-----END (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----|$)`,
	`(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}`,
	`github_pat_[A-Za-z0-9_]{22,}`,
	`glpat-[A-Za-z0-9\-]{20,}`,
	`xox[baprs]-[A-Za-z0-9\-]{10,}`,
	`(?:sk|pk)_(?:live|test)_[A-Za-z0-9]{24,}`,
	`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`,
	`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
	`(?i)(?:postgres|postgresql|mysql|mongodb|redis|amqp)://[^:\s]+:[^@\s]+@[^\s]+`,
}

// Sanitizer strips credential-like keys and scrubs secret-shaped values.
type Sanitizer struct {
	key    *regexp.Regexp
	values []*regexp.Regexp
}

// NewSanitizer compiles a sanitizer from a key pattern and value patterns.
func NewSanitizer(keyPattern string, valuePatterns []string) (*Sanitizer, error) {
	key, err := regexp.Compile(keyPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern %q: %w", keyPattern, err)
	}
	s := &Sanitizer{key: key}
	for _, p := range valuePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid value pattern %q: %w", p, err)
		}
		s.values = append(s.values, re)
	}
	return s, nil
}

// DefaultSanitizer returns the built-in rule set.
func DefaultSanitizer() *Sanitizer {
	s, err := NewSanitizer(DefaultKeyPattern, defaultValuePatterns)
	if err != nil {
		panic(err) // patterns are constants
	}
	return s
}

// Map returns a sanitized deep copy of m. The input is never modified.
func (s *Sanitizer) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s.key.MatchString(k) {
			out[k] = Redacted
			continue
		}
		out[k] = s.value(v)
	}
	return out
}

// String scrubs secret-shaped substrings from v.
func (s *Sanitizer) String(v string) string {
	if v == "" {
		return v
	}
	for _, re := range s.values {
		v = re.ReplaceAllString(v, Redacted)
	}
	return v
}

func (s *Sanitizer) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return s.Map(t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = e
		}
		return s.Map(m)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = s.value(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = s.String(e)
		}
		return out
	case string:
		return s.String(t)
	case nil, bool, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return v
	default:
		// Structs and typed maps are flattened through JSON so nested
		// fields pass the same key rules.
		b, err := json.Marshal(v)
		if err != nil {
			return s.String(fmt.Sprint(v))
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return s.String(string(b))
		}
		return s.value(generic)
	}
}

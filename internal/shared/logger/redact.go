package logger

import (
	"strings"

	"go.uber.org/zap"
)

// Card data and processor credentials must never reach the logs in full.
// PCI DSS permits at most the last four digits of a PAN.

const redacted = "[REDACTED]"

// MaskPAN keeps only the last four digits of a card number.
func MaskPAN(pan string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, pan)
	if len(digits) < 4 {
		return redacted
	}
	return "****" + digits[len(digits)-4:]
}

// MaskSecret keeps a recognizable prefix and the last four characters of an
// API key or webhook secret.
func MaskSecret(secret string) string {
	if len(secret) < 12 {
		return redacted
	}
	prefix := secret
	if idx := strings.LastIndex(secret, "_"); idx > 0 && idx < len(secret)-4 {
		prefix = secret[:idx+1]
	} else {
		prefix = secret[:4]
	}
	return prefix + "..." + secret[len(secret)-4:]
}

var sensitiveKeyFragments = []string{
	"card", "pan", "cvv", "cvc", "cvn", "expiry", "exp_month", "exp_year",
	"secret", "password", "token", "authorization",
}

// panKeyFragments mark values that are card numbers rather than other
// secrets; those keep their last four digits.
var panKeyFragments = []string{"card_number", "card_no", "pan"}

func matchesFragment(key string, fragments []string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range fragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// SanitizeMap returns a copy of m with sensitive values redacted, for
// logging request metadata.
func SanitizeMap[M ~map[string]string](m M) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch {
		case matchesFragment(k, panKeyFragments):
			out[k] = MaskPAN(v)
		case matchesFragment(k, sensitiveKeyFragments):
			out[k] = redacted
		default:
			out[k] = v
		}
	}
	return out
}

// SanitizedAny wraps SanitizeMap as a zap field.
func SanitizedAny[M ~map[string]string](key string, m M) zap.Field {
	return zap.Any(key, SanitizeMap(m))
}

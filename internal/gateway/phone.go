package gateway

import "strings"

// NormalizePhone converts a stored phone number to the +country-code form
// the WhatsApp API requires. Numbers already carrying a + keep their
// country code; bare 10-digit numbers get the default country code
// prefixed; anything else with digits gets a + prepended as-is.
func NormalizePhone(raw, defaultCountry string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	hasPlus := strings.HasPrefix(raw, "+")

	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if d == "" {
		return ""
	}

	if hasPlus {
		return "+" + d
	}
	if len(d) == 10 {
		if defaultCountry == "" {
			defaultCountry = "+91"
		}
		return defaultCountry + d
	}
	return "+" + d
}

// PadParams pads or truncates params to the template's arity. Gupshup
// rejects template sends whose param count does not match the template.
func PadParams(params []string, arity int) []string {
	if arity <= 0 {
		return params
	}
	out := make([]string, arity)
	for i := 0; i < arity; i++ {
		if i < len(params) {
			out[i] = params[i]
		}
	}
	return out
}

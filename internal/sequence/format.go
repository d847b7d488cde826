package sequence

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/domain"
)

var tokenPattern = regexp.MustCompile(`\{(prefix|yyyy|mm|seq)(?::(\d+))?\}`)

// Scope returns the counter scope for a numbering policy at t, e.g.
// "PO/2025/03" for monthly scopes and "LV/2025" for yearly ones.
func Scope(n domain.Numbering, t time.Time) string {
	if n.Scope == domain.NumberScopeMonth {
		return fmt.Sprintf("%s/%04d/%02d", n.Prefix, t.Year(), int(t.Month()))
	}
	return fmt.Sprintf("%s/%04d", n.Prefix, t.Year())
}

// Format renders a number with the policy pattern, e.g. PO/2025/03/0007.
// Degraded values are rendered unpadded in the {seq} slot.
func Format(n domain.Numbering, t time.Time, num Number) string {
	pattern := n.Pattern
	if pattern == "" {
		pattern = domain.PatternYear
	}
	return tokenPattern.ReplaceAllStringFunc(pattern, func(tok string) string {
		m := tokenPattern.FindStringSubmatch(tok)
		switch m[1] {
		case "prefix":
			return n.Prefix
		case "yyyy":
			return fmt.Sprintf("%04d", t.Year())
		case "mm":
			return fmt.Sprintf("%02d", int(t.Month()))
		default:
			width, _ := strconv.Atoi(m[2])
			if num.Degraded || width == 0 {
				return strconv.FormatInt(num.Value, 10)
			}
			return fmt.Sprintf("%0*d", width, num.Value)
		}
	})
}

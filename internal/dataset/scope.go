package dataset

import (
	"regexp"
	"strings"
)

// ScopePattern matches serialized target codes that mention at least one of
// a set of devices, either through a function reference (@device.fn) or a
// device keyword (device:device). It is used both to clear previously
// generated rows for the devices being retrained and to filter freshly
// generated sentences down to that scope.
type ScopePattern struct {
	re *regexp.Regexp
}

// NewScopePattern returns nil for an empty device list: no scope means the
// whole language.
func NewScopePattern(devices []string) *ScopePattern {
	if len(devices) == 0 {
		return nil
	}

	escaped := make([]string, len(devices))
	for i, device := range devices {
		escaped[i] = regexp.QuoteMeta(device)
	}
	alternatives := strings.Join(escaped, "|")

	pat1 := ` @(` + alternatives + `)\.[A-Za-z0-9_]+( |$)`
	pat2 := ` device:(` + alternatives + `)( |$)`

	return &ScopePattern{re: regexp.MustCompile(`(` + pat1 + `|` + pat2 + `)`)}
}

func (p *ScopePattern) Matches(targetCode string) bool {
	// the patterns assume a leading separator
	return p.re.MatchString(" " + targetCode)
}

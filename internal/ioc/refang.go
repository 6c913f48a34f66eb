package ioc

import (
	"regexp"
	"strings"
)

type refangRule struct {
	pattern *regexp.Regexp
	replace func(string) string
}

func literal(s string) func(string) string {
	return func(string) string { return s }
}

// Defanged schemes come back lower-case: "HXXPS" -> "https".
func scheme(m string) string {
	if strings.HasSuffix(strings.ToLower(m), "s") {
		return "https"
	}
	return "http"
}

// Rules run in order; "[.]" must be rewritten before the generic bracket
// forms so that "1[.]2" never becomes "1[2".
var refangRules = []refangRule{
	{regexp.MustCompile(`\[\.?\]`), literal(".")},
	{regexp.MustCompile(`(?i)\[dot\]`), literal(".")},
	{regexp.MustCompile(`\[@\]`), literal("@")},
	{regexp.MustCompile(`(?i)\[at\]`), literal("@")},
	{regexp.MustCompile(`(?i)h(?:xx|\[tt\])ps?`), scheme},
}

// Refang rewrites common defanging notations back to their canonical form,
// e.g. "hxxp://evil[.]com" becomes "http://evil.com".
func Refang(text string) string {
	for _, r := range refangRules {
		text = r.pattern.ReplaceAllStringFunc(text, r.replace)
	}
	return text
}

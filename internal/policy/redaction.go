package policy

import "regexp"

// RedactionRule replaces every match of Pattern with a [REDACTED_<Kind>] marker.
type RedactionRule struct {
	Kind    string
	Pattern *regexp.Regexp
}

// Rule order matters: card numbers would otherwise be caught as phone numbers.
var defaultRules = []RedactionRule{
	{Kind: "EMAIL", Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{Kind: "API_KEY", Pattern: regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`)},
	{Kind: "CARD", Pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{Kind: "PHONE", Pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// Redactor masks personal data in conversation text before it is stored.
type Redactor struct {
	rules []RedactionRule
}

// NewRedactor uses the built-in rules when none are given.
func NewRedactor(rules ...RedactionRule) *Redactor {
	if len(rules) == 0 {
		rules = defaultRules
	}
	return &Redactor{rules: rules}
}

// Redact returns the masked text and the kinds that matched, in rule order.
func (r *Redactor) Redact(input string) (string, []string) {
	out := input
	var kinds []string
	for _, rule := range r.rules {
		next := rule.Pattern.ReplaceAllString(out, "[REDACTED_"+rule.Kind+"]")
		if next != out {
			kinds = append(kinds, rule.Kind)
			out = next
		}
	}
	return out, kinds
}

// Package redact applies an ordered set of regular expressions to
// operator-visible text, replacing any match with a fixed literal. It
// is applied to permission-prompt command text, serialized event
// payloads, captured pane output, diff output, log output, and
// subprocess stderr — never to chat API request bodies themselves.
package redact

import "regexp"

const replacement = "[REDACTED]"

// patterns is the ordered set of substitutions. Order matters: PEM
// blocks must be matched before shorter, more specific patterns could
// otherwise fragment them.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Bearer [A-Za-z0-9\-_]+={0,2}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?im)^.*(TOKEN|SECRET|PASSWORD|API_KEY).*$`),
}

// Redact applies every pattern, in order, replacing each match with
// "[REDACTED]". It is idempotent: Redact(Redact(x)) == Redact(x).
func Redact(text string) string {
	for _, p := range patterns {
		text = p.ReplaceAllString(text, replacement)
	}
	return text
}

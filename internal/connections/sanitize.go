package connections

import (
	"regexp"
)

// maxErrorMessageLength bounds stored error messages so a pathological
// provider response cannot bloat the row.
const maxErrorMessageLength = 500

var (
	// key=value or key: value where the key names credential material.
	credentialAssignment = regexp.MustCompile(
		`(?i)((?:access[_-]?token|refresh[_-]?token|id[_-]?token|client[_-]?secret|token|secret|password|api[_-]?key|key|authorization)["']?\s*[=:]\s*["']?)[^\s"'&,;]+`)

	// Bearer credentials embedded in quoted headers or messages.
	bearerCredential = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)

	// Google access tokens have a recognizable prefix.
	googleToken = regexp.MustCompile(`\bya29\.[A-Za-z0-9\-._]+`)

	// Any long opaque blob is treated as secret material.
	opaqueBlob = regexp.MustCompile(`\b[A-Za-z0-9\-._~+/]{40,}={0,2}\b`)
)

// sanitizeErrorMessage redacts anything resembling credential material from a
// provider or internal error string and bounds its length. Stored error
// messages end up in logs and user-facing dashboards, so they must never
// carry raw tokens.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	msg = credentialAssignment.ReplaceAllString(msg, "${1}[REDACTED]")
	msg = bearerCredential.ReplaceAllString(msg, "bearer [REDACTED]")
	msg = googleToken.ReplaceAllString(msg, "[REDACTED]")
	msg = opaqueBlob.ReplaceAllString(msg, "[REDACTED]")

	if len(msg) > maxErrorMessageLength {
		msg = msg[:maxErrorMessageLength] + "..."
	}
	return msg
}

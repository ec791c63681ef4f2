package provisioning

import "regexp"

// secretPatterns strips anything that looks like a live credential from an
// error string before it is persisted: platform secret/restricted/
// publishable keys, refresh tokens, and JWTs. A provisioning row is long
// lived and readable by support tooling, so the error column must never
// carry a live credential even transiently.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(sk|rk|pk)_(live|test)_[A-Za-z0-9]+\b`),
	regexp.MustCompile(`\brt_[A-Za-z0-9]+\b`),
	regexp.MustCompile(`\bBearer\s+[A-Za-z0-9._-]+\b`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`),
}

// sanitizeError redacts known credential shapes from msg before it is
// persisted to provisioned_databases.error_message.
func sanitizeError(msg string) string {
	for _, p := range secretPatterns {
		msg = p.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

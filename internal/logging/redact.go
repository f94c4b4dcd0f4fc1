// Package logging holds small helpers shared by every component that
// writes structured logs, starting with DSN redaction so a connection
// string never reaches a log line with its password intact.
package logging

import "net/url"

// Redacted returns dsn with any embedded password replaced by "xxxxx".
// Non-URL DSNs (and URLs without userinfo) are returned unchanged.
func Redacted(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, hasPassword := u.User.Password(); !hasPassword {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}

package connect

import (
	"net/url"
	"regexp"
)

var passwordRe = regexp.MustCompile(`(:)[^:@/]*(@)`)

// Redact hides the password in a connection string.
func Redact(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			return u.String()
		}
		return dsn
	}
	return passwordRe.ReplaceAllString(dsn, "${1}xxxxx${2}")
}

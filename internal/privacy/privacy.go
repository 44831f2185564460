// Package privacy strips credentials from URLs and messages before they
// reach logs, MQTT, push notifications or the printed configuration.
package privacy

import (
	"net/url"
	"regexp"
)

// urlPattern finds URLs of any scheme: broker, DSN and notification service
// URLs all carry credentials in the userinfo.
var urlPattern = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://\S+`)

// RedactedPassword replaces the password of a URL's userinfo.
const RedactedPassword = "xxxxx"

// SanitizeURL removes the password from rawURL and keeps the user name, host,
// port and path. Strings that do not parse as a URL with a host are returned
// unchanged.
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || u.User == nil {
		return rawURL
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), RedactedPassword)
	}
	return u.String()
}

// ScrubMessage sanitizes every URL found in message.
func ScrubMessage(message string) string {
	return urlPattern.ReplaceAllStringFunc(message, SanitizeURL)
}

package common

import (
	"regexp"
	"strings"
)

var basicAuthURLRe = regexp.MustCompile(`(?i)(\S+?//)([^:\s]+?):([^@\s]+?)@(\S+?)`)

// SanitizeSensitiveData masks basic-auth credentials embedded in URLs.
func SanitizeSensitiveData(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = basicAuthURLRe.ReplaceAllString(line, "${1}***:***@${4}")
	}
	return strings.Join(lines, "\n")
}

func Yesish(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func GetAuthorizationToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if !(len(parts) == 2 && parts[0] == "Bearer") {
		return "", NewErrNo(TokenInvalid)
	}
	return parts[1], nil
}

package pipeline

import (
	"net/http"
	"regexp"
	"strings"
)

// Challenge is a parsed WWW-Authenticate header.
type Challenge struct {
	Scheme           string
	Realm            string
	Scope            string
	Error            string
	ErrorDescription string
}

var authParamRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseChallenge parses a WWW-Authenticate header value such as
//
//	Bearer realm="records", error="invalid_token", error_description="expired"
//
// It returns nil for an empty header.
func ParseChallenge(header string) *Challenge {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	parts := strings.SplitN(header, " ", 2)
	c := &Challenge{Scheme: parts[0]}
	if len(parts) == 1 {
		return c
	}

	for _, m := range authParamRegex.FindAllStringSubmatch(parts[1], -1) {
		switch strings.ToLower(m[1]) {
		case "realm":
			c.Realm = m[2]
		case "scope":
			c.Scope = m[2]
		case "error":
			c.Error = m[2]
		case "error_description":
			c.ErrorDescription = m[2]
		}
	}
	return c
}

func challengeFrom(status int, header http.Header) *Challenge {
	if status != http.StatusUnauthorized {
		return nil
	}
	return ParseChallenge(header.Get("WWW-Authenticate"))
}

package auth

import "path"

// MatchesAny checks if method matches any of the wildcard patterns
func MatchesAny(method string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, _ := path.Match(pattern, method); matched {
			return true
		}
	}
	return false
}

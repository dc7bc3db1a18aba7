package slack

import "strings"

// StripLeadingMention removes a leading "<@USERID>" mention and returns the rest.
//
// For example, "<@B123> status report" becomes "status report".
func StripLeadingMention(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "<@") {
		if end := strings.IndexByte(trimmed, '>'); end > 0 {
			return strings.TrimSpace(trimmed[end+1:])
		}
	}
	return trimmed
}

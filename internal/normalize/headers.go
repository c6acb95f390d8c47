package normalize

import (
	"regexp"
	"strings"

	"google.golang.org/api/gmail/v1"
)

var addressPattern = regexp.MustCompile(`[\w.+-]+@[\w.-]+`)

// Header returns the value of the first header named name, ignoring case.
func Header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ParseAddresses pulls bare local@domain addresses out of a free-form header
// value such as `Jane Doe <jane@example.com>, bob@x.org`.
func ParseAddresses(v string) []string {
	if v == "" {
		return []string{}
	}
	found := addressPattern.FindAllString(v, -1)
	out := make([]string, 0, len(found))
	for _, addr := range found {
		// a sentence-ending period is not part of the domain
		out = append(out, strings.TrimRight(addr, "."))
	}
	return out
}

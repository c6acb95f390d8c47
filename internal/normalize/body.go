package normalize

import (
	"encoding/base64"
	"regexp"
	"strings"

	"google.golang.org/api/gmail/v1"
)

// maxPartDepth bounds MIME tree walks; real mail rarely nests past 4 or 5.
const maxPartDepth = 32

var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// BodyText extracts the best plain-text body from a message payload: a body
// attached directly to the top-level part, else the first text/plain part,
// else the first text/html part with its tags removed.
func BodyText(p *gmail.MessagePart) string {
	if p == nil {
		return ""
	}
	if p.Body != nil && p.Body.Data != "" {
		text := DecodeBody(p.Body.Data)
		if isType(p.MimeType, "text/html") {
			return StripTags(text)
		}
		return text
	}
	if text := findPart(p.Parts, "text/plain", 0); text != "" {
		return text
	}
	return StripTags(findPart(p.Parts, "text/html", 0))
}

// findPart walks parts depth-first and returns the first non-empty decoded
// body of the wanted type, descending into multipart containers.
func findPart(parts []*gmail.MessagePart, mimeType string, depth int) string {
	if depth >= maxPartDepth {
		return ""
	}
	for _, part := range parts {
		if part == nil {
			continue
		}
		switch {
		case isType(part.MimeType, mimeType):
			if part.Body == nil {
				continue
			}
			if text := DecodeBody(part.Body.Data); text != "" {
				return text
			}
		case strings.HasPrefix(strings.ToLower(part.MimeType), "multipart/"):
			if text := findPart(part.Parts, mimeType, depth+1); text != "" {
				return text
			}
		}
	}
	return ""
}

func isType(got, want string) bool {
	return strings.EqualFold(strings.TrimSpace(got), want)
}

// DecodeBody decodes Gmail's URL-safe base64 body data, padded or not.
// Malformed input yields "".
func DecodeBody(data string) string {
	if data == "" {
		return ""
	}
	raw, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return ""
		}
	}
	return strings.ToValidUTF8(string(raw), "\uFFFD")
}

// StripTags removes anything shaped like <...>. Entities and whitespace are
// left untouched.
func StripTags(html string) string {
	if html == "" {
		return ""
	}
	return htmlTagPattern.ReplaceAllString(html, "")
}

// Attachments collects the attachment ids of every part carrying a filename.
func Attachments(p *gmail.MessagePart) ([]string, bool) {
	ids := []string{}
	found := false
	var walk func(parts []*gmail.MessagePart, depth int)
	walk = func(parts []*gmail.MessagePart, depth int) {
		if depth >= maxPartDepth {
			return
		}
		for _, part := range parts {
			if part == nil {
				continue
			}
			if part.Filename != "" {
				found = true
				if part.Body != nil && part.Body.AttachmentId != "" {
					ids = append(ids, part.Body.AttachmentId)
				}
			}
			walk(part.Parts, depth+1)
		}
	}
	if p != nil {
		walk([]*gmail.MessagePart{p}, 0)
	}
	return ids, found
}

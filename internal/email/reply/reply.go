// Package reply isolates the freshly written part of an email reply,
// discarding quoted history and signatures.
package reply

import (
	"regexp"
	"strings"
)

var (
	quoteHeaderPattern = regexp.MustCompile(`(?i)^On\s.+wrote:\s*$`)
	signaturePattern   = regexp.MustCompile(`(?i)^\s*(--\s*$|__+\s*$|Sent from my (\w+\s*){1,3}$)`)
	quotedPattern      = regexp.MustCompile(`^\s*>`)
)

type fragment struct {
	lines     []string
	quoted    bool
	signature bool
}

// Extract returns the visible reply text of a message body. When the whole
// body is quoted or recognized as signature, the trimmed original is returned
// so a reply consisting only of forwarded history is not silently dropped.
func Extract(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	fragments := split(body)

	var kept []string
	for _, f := range fragments {
		if f.quoted || f.signature {
			continue
		}
		text := strings.TrimSpace(strings.Join(f.lines, "\n"))
		if text != "" {
			kept = append(kept, text)
		}
	}
	result := strings.TrimSpace(strings.Join(kept, "\n\n"))
	if result == "" {
		return strings.TrimSpace(body)
	}
	return result
}

func split(body string) []fragment {
	var fragments []fragment
	var current *fragment
	inSignature := false

	for _, line := range strings.Split(body, "\n") {
		quoted := quotedPattern.MatchString(line)
		header := quoteHeaderPattern.MatchString(strings.TrimSpace(line))
		if signaturePattern.MatchString(line) {
			inSignature = true
		}

		switch {
		case inSignature:
			if current == nil || !current.signature {
				fragments = appendFragment(fragments, current)
				current = &fragment{signature: true}
			}
		case quoted || header:
			if current == nil || !current.quoted {
				fragments = appendFragment(fragments, current)
				current = &fragment{quoted: true}
			}
		default:
			// A blank line inside a quote block stays part of the quote so
			// "On ... wrote:" plus its paragraphs form one fragment.
			if current != nil && current.quoted && strings.TrimSpace(line) == "" {
				current.lines = append(current.lines, line)
				continue
			}
			if current == nil || current.quoted || current.signature {
				fragments = appendFragment(fragments, current)
				current = &fragment{}
			}
		}
		current.lines = append(current.lines, line)
	}
	return appendFragment(fragments, current)
}

func appendFragment(fragments []fragment, f *fragment) []fragment {
	if f == nil {
		return fragments
	}
	return append(fragments, *f)
}

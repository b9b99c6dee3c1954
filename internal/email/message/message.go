// Package message parses raw RFC822 payloads into the envelope fields the
// ingestion pipeline correlates on.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	stdmail "net/mail"
	"net/textproto"
	"regexp"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

// ThreadIDHeader carries the provider-assigned conversation identifier when
// the upstream mail service exposes one.
const ThreadIDHeader = "X-Gm-Thrid"

const defaultBodyLimit = 128 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Header is a decoded snapshot of the message's header block.
type Header map[string][]string

// Get returns the first value of a header field, or "" when absent.
func (h Header) Get(key string) string {
	values := h[textproto.CanonicalMIMEHeaderKey(key)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Has reports whether the header field is present at all.
func (h Header) Has(key string) bool {
	return len(h[textproto.CanonicalMIMEHeaderKey(key)]) > 0
}

func (h Header) add(key, value string) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	h[key] = append(h[key], value)
}

// Inbound is a parsed inbound email.
type Inbound struct {
	From       string
	FromName   string
	Subject    string
	TextBody   string
	HTMLBody   string
	MessageID  string
	InReplyTo  string
	References []string
	ThreadID   string
	Header     Header
}

// Parse decodes a raw RFC822 payload. Multipart messages yield both the first
// text/plain and the first text/html inline parts when present.
func Parse(raw []byte) (*Inbound, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty message")
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && reader == nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	msg := &Inbound{Header: make(Header)}
	fields := reader.Header.Fields()
	for fields.Next() {
		msg.Header.add(fields.Key(), fields.Value())
	}

	msg.Subject = subjectFromHeader(&reader.Header)
	msg.From, msg.FromName = addressFromHeader(&reader.Header)
	msg.MessageID = NormalizeMessageID(reader.Header.Get("Message-Id"))
	msg.InReplyTo = NormalizeMessageID(reader.Header.Get("In-Reply-To"))
	msg.ThreadID = strings.TrimSpace(reader.Header.Get(ThreadIDHeader))

	referenceValues := reader.Header.Values("References")
	if inReply := reader.Header.Get("In-Reply-To"); inReply != "" {
		referenceValues = append(referenceValues, inReply)
	}
	msg.References = MessageIDList(referenceValues...)

	msg.TextBody, msg.HTMLBody = readBodyParts(reader)
	return msg, nil
}

// ReplyCandidates returns the Message-IDs an incoming reply may refer to,
// References first (oldest to newest), with the direct parent appended last.
func (m *Inbound) ReplyCandidates() []string {
	return MessageIDList(append([]string{}, append(m.References, m.InReplyTo)...)...)
}

func subjectFromHeader(header *gomail.Header) string {
	if subject, err := header.Subject(); err == nil {
		return strings.TrimSpace(subject)
	}
	return decodeHeader(header.Get("Subject"))
}

func addressFromHeader(header *gomail.Header) (string, string) {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address), strings.TrimSpace(list[0].Name)
	}
	raw := decodeHeader(header.Get("From"))
	if raw == "" {
		return "", ""
	}
	if addr, err := stdmail.ParseAddress(raw); err == nil {
		return strings.TrimSpace(addr.Address), strings.TrimSpace(addr.Name)
	}
	return strings.TrimSpace(raw), ""
}

func readBodyParts(reader *gomail.Reader) (string, string) {
	var textBody, htmlBody string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mimeType, _, ctErr := header.ContentType()
		if ctErr != nil {
			mimeType, _, _ = mime.ParseMediaType(header.Get("Content-Type"))
		}
		mimeType = strings.ToLower(strings.TrimSpace(mimeType))
		if mimeType == "" {
			mimeType = "text/plain"
		}
		body, readErr := io.ReadAll(io.LimitReader(part.Body, defaultBodyLimit))
		if readErr != nil || len(body) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(mimeType, "text/plain"):
			if textBody == "" {
				textBody = string(body)
			}
		case strings.HasPrefix(mimeType, "text/html"):
			if htmlBody == "" {
				htmlBody = string(body)
			}
		}
	}
	return textBody, htmlBody
}

func decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	decoder := &mime.WordDecoder{}
	if decoded, err := decoder.DecodeHeader(value); err == nil {
		return decoded
	}
	return value
}

var messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)

// MessageIDList extracts and deduplicates every Message-ID present in the
// given raw header values, preserving first-seen order.
func MessageIDList(values ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, raw := range values {
		for _, candidate := range parseMessageIDs(raw) {
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}
			ids = append(ids, candidate)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func parseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		if id := NormalizeMessageID(raw); id != "" {
			return []string{id}
		}
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		if id := NormalizeMessageID(match[1]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// NormalizeMessageID strips one pair of angle brackets, one pair of quotes,
// and surrounding whitespace so identifiers compare equal regardless of
// header formatting. Only the outermost pair is removed; brackets inside the
// identifier itself survive.
func NormalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.TrimPrefix(value, "<")
	value = strings.TrimSuffix(value, ">")
	value = strings.TrimPrefix(value, "\"")
	value = strings.TrimSuffix(value, "\"")
	return strings.TrimSpace(value)
}

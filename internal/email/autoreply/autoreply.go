// Package autoreply recognizes machine-generated mail so the pipeline never
// answers an autoresponder and starts a mail loop.
package autoreply

import (
	"strings"

	"github.com/hivedesk/hivedesk/internal/email/message"
)

// LoopHeader marks mail sent by this system. Its presence on inbound mail
// means our own notification came back around.
const LoopHeader = "X-Hivedesk-Loop"

// IsAutoReply reports whether the message headers identify the mail as
// machine-generated (vacation notices, bounces, list traffic, or our own
// outbound mail reflected back).
func IsAutoReply(h message.Header) bool {
	// RFC 3834: any value other than "no" marks automatic generation.
	if v := strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted"))); v != "" && v != "no" {
		return true
	}
	// Exchange asks responders to stay quiet; we honor it on inbound too.
	if h.Has("X-Auto-Response-Suppress") {
		return true
	}
	if h.Has(LoopHeader) {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(h.Get("Precedence"))) {
	case "bulk", "list", "auto_reply":
		return true
	}
	if strings.EqualFold(strings.TrimSpace(h.Get("X-Autoreply")), "yes") {
		return true
	}
	if h.Has("X-Autorespond") {
		return true
	}
	return false
}

package models

import "time"

// Comment is a reply attached to a ticket. Comments created from inbound
// email carry the normalized Message-ID and In-Reply-To of the source
// message so later replies can be correlated.
type Comment struct {
	ID         int     `json:"id" db:"id"`
	TicketID   int     `json:"ticket_id" db:"ticket_id"`
	Body       string  `json:"body" db:"body"`
	Reply      bool    `json:"reply" db:"reply"`
	ReplyEmail string  `json:"reply_email" db:"reply_email"`
	MessageID  *string `json:"message_id,omitempty" db:"message_id"`
	InReplyTo  *string `json:"in_reply_to,omitempty" db:"in_reply_to"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

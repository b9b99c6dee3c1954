package postmaster

import (
	"context"
	"fmt"
	"log"

	"github.com/hivedesk/hivedesk/internal/email/autoreply"
	"github.com/hivedesk/hivedesk/internal/email/connector"
	"github.com/hivedesk/hivedesk/internal/email/message"
)

// Service adapts the processor to the connector handler contract: parse,
// classify, process.
type Service struct {
	processor *Processor
	logger    *log.Logger
}

// NewService wires a processor behind the connector.Handler interface.
func NewService(processor *Processor, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{processor: processor, logger: logger}
}

// Handle implements connector.Handler. A payload that cannot be parsed fails
// the handler call, so the connector leaves the message unseen and it is
// picked up again on the next cycle.
func (s *Service) Handle(ctx context.Context, msg *connector.Message) error {
	in, err := message.Parse(msg.Raw)
	if err != nil {
		return fmt.Errorf("parse mailbox %s uid %d: %w", msg.MailboxName, msg.UID, err)
	}

	result, err := s.processor.Process(ctx, msg, in, autoreply.IsAutoReply(in.Header))
	if err != nil {
		return err
	}
	s.logger.Printf("postmaster: mailbox %s uid %d action=%s ticket=%d", msg.MailboxName, msg.UID, result.Action, result.TicketID)
	return nil
}

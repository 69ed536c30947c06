package sink

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"

	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

// NATSSink publishes envelopes as JSON on a NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

func (n *NATSSink) Accept(ctx context.Context, env models.Envelope) error {
	body, err := models.MarshalEnvelope(env)
	if err != nil {
		return pkgerrors.ErrPermanentDelivery.WithCause(err).WithMessage("envelope cannot be encoded")
	}

	msg := nats.NewMsg(n.subject)
	msg.Data = body
	msg.Header.Set("Courier-Event-Id", env.ID)
	msg.Header.Set("Courier-Bus", env.Bus)
	msg.Header.Set("Courier-Type", env.Type)

	if err := n.conn.PublishMsg(msg); err != nil {
		if errors.Is(err, nats.ErrBadSubject) || errors.Is(err, nats.ErrMaxPayload) {
			return pkgerrors.ErrPermanentDelivery.WithCause(err).WithDetail("subject", n.subject)
		}
		return pkgerrors.ErrTransientDelivery.WithCause(err).WithDetail("subject", n.subject)
	}
	return nil
}

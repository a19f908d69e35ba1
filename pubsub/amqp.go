package pubsub

import (
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPNotifier publishes payloads to a fanout exchange so that accounting
// consumers deployed outside this process can subscribe. It satisfies the
// Notifier interface, so it can be swapped in (or layered next to) the
// in-process bus.
type AMQPNotifier struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

type amqpEnvelope struct {
	Type    string  `json:"type"`
	Channel string  `json:"channel"`
	Payload Payload `json:"payload"`
}

func NewAMQPNotifier(amqpURL, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}
	return &AMQPNotifier{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
	}, nil
}

func (n *AMQPNotifier) Notify(chanName string, p Payload) error {
	body, err := json.Marshal(amqpEnvelope{
		Type:    p.Type(),
		Channel: chanName,
		Payload: p,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", p.Type(), err)
	}
	err = n.channel.Publish(
		n.exchange,
		"",    // routing key, unused for fanout
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish %s payload: %w", p.Type(), err)
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	return n.conn.Close()
}

// AMQPBridge forwards in-process session events onto an AMQPNotifier. Run
// it as an AccountingSub receiver when an AMQP URL is configured.
type AMQPBridge struct {
	notifier *AMQPNotifier
}

func NewAMQPBridge(n *AMQPNotifier) *AMQPBridge {
	return &AMQPBridge{notifier: n}
}

func (b *AMQPBridge) OnSessionOpened(p *SessionOpened) {
	if err := b.notifier.Notify(ChanAccounting, p); err != nil {
		logger.Err(err).Str("session", p.SessionID).Msg("AMQPBridge: failed to publish SessionOpened")
	}
}

func (b *AMQPBridge) OnSessionClosed(p *SessionClosed) {
	if err := b.notifier.Notify(ChanAccounting, p); err != nil {
		logger.Err(err).Str("session", p.SessionID).Msg("AMQPBridge: failed to publish SessionClosed")
	}
}

package rabbitmq

import (
	"encoding/json"
	"time"

	"github.com/heyfey/vodabatch/config"
	"github.com/heyfey/vodabatch/pkg/decision"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
	"k8s.io/klog/v2"
)

const queueSize = 200

// Msg carries the decisions of one round.
type Msg struct {
	Scheduler string              `bson:"scheduler" json:"scheduler"`
	Round     int                 `bson:"round" json:"round"`
	Decisions []decision.Decision `bson:"decisions" json:"decisions"`
}

func ConnectRabbitMQ(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to rabbit-mq")
	}
	klog.InfoS("Connected to rabbit-mq", "queue", config.QueueDecisions)
	return conn, nil
}

// Publisher sends the decisions of every round to a queue.
type Publisher struct {
	conn      *amqp.Connection
	queueName string
	scheduler string
}

func NewPublisher(conn *amqp.Connection, scheduler string) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("a rabbit-mq connection is required")
	}
	return &Publisher{conn: conn, queueName: config.QueueDecisions, scheduler: scheduler}, nil
}

func (p *Publisher) Publish(round int, decisions []decision.Decision) error {
	msg := Msg{Scheduler: p.scheduler, Round: round, Decisions: decisions}
	if err := PublishToQueue(p.conn, p.queueName, msg); err != nil {
		return errors.Wrapf(err, "failed to publish decisions of round %d", round)
	}
	klog.V(4).InfoS("Published decisions", "queue", p.queueName, "round", round, "decisions", len(decisions))
	return nil
}

func PublishToQueue(conn *amqp.Connection, queueName string, msg Msg) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := declareQueue(ch, queueName)
	if err != nil {
		return err
	}

	body, err := encodeMsg(msg)
	if err != nil {
		return err
	}
	return ch.Publish(
		"",     // exchange
		q.Name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		})
}

// ReceiveFromQueue consumes the messages of a queue until the connection is
// closed. Messages that cannot be decoded are logged and dropped.
func ReceiveFromQueue(conn *amqp.Connection, queueName string) (<-chan Msg, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	q, err := declareQueue(ch, queueName)
	if err != nil {
		ch.Close()
		return nil, err
	}

	msgsRaw, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		ch.Close()
		return nil, err
	}

	msgs := make(chan Msg, queueSize)
	go func() {
		defer close(msgs)
		defer ch.Close()
		for d := range msgsRaw {
			msg, err := decodeMsg(d.Body)
			if err != nil {
				klog.ErrorS(err, "Dropped malformed message", "queue", queueName)
				continue
			}
			msgs <- msg
		}
	}()

	return msgs, nil
}

func declareQueue(ch *amqp.Channel, queueName string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
}

func encodeMsg(msg Msg) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return body, nil
}

func decodeMsg(body []byte) (Msg, error) {
	var msg Msg
	if err := json.Unmarshal(body, &msg); err != nil {
		return Msg{}, errors.Wrap(err, "failed to decode message")
	}
	return msg, nil
}

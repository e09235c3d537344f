// Package rabbitqueue implements job.Producer (§4.8's broker half) over
// RabbitMQ: durable, per-type exchanges fanning out to partitioned queues so
// one consumer owns all messages for a given partition key at a time,
// matching §5's "hashing keys to partitions consumed by one worker at a
// time". Postgres remains the source of truth for job state (job.Store);
// this producer only wakes idle workers so they don't have to poll.
package rabbitqueue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/blacklake-io/blacklake/internal/domain/job"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// Producer publishes lightweight wake-up notifications; the message body
// only carries the partition key, since the actual payload lives in the Job
// row a worker then leases from Postgres.
type Producer struct {
	channel    *amqp.Channel
	exchange   string
	partitions int
}

type Config struct {
	Exchange   string
	Partitions int
}

// Declare sets up the topic exchange and one durable queue per partition,
// bound by routing key "<type>.<partition>" so a consumer can subscribe to
// exactly the partitions it owns.
func Declare(ch *amqp.Channel, cfg Config, types []job.Type) (*Producer, error) {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, errkind.Wrap(errkind.BackendUnavailable, err, "declare exchange")
	}

	for _, t := range types {
		for p := 0; p < cfg.Partitions; p++ {
			queueName := fmt.Sprintf("%s.%d", t, p)

			if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
				return nil, errkind.Wrap(errkind.BackendUnavailable, err, "declare queue "+queueName)
			}

			routingKey := fmt.Sprintf("%s.%d", t, p)
			if err := ch.QueueBind(queueName, routingKey, cfg.Exchange, false, nil); err != nil {
				return nil, errkind.Wrap(errkind.BackendUnavailable, err, "bind queue "+queueName)
			}
		}
	}

	return &Producer{channel: ch, exchange: cfg.Exchange, partitions: cfg.Partitions}, nil
}

type wakeup struct {
	PartitionKey string `json:"partitionKey"`
}

func (p *Producer) Notify(ctx context.Context, t job.Type, partitionKey string) error {
	partition := job.PartitionFor(partitionKey, p.partitions)
	routingKey := fmt.Sprintf("%s.%d", t, partition)

	body, err := json.Marshal(wakeup{PartitionKey: partitionKey})
	if err != nil {
		return err
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "publish wakeup")
	}

	return nil
}

// Consume returns the channel's delivery stream for one partition queue, for
// a worker to range over and re-lease from Postgres on each wakeup.
func Consume(ch *amqp.Channel, t job.Type, partition int) (<-chan amqp.Delivery, error) {
	queueName := fmt.Sprintf("%s.%d", t, partition)

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.BackendUnavailable, err, "consume "+queueName)
	}

	return deliveries, nil
}

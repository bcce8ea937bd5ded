package pubsub

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	DriverGoChannel = "gochannel"
	DriverAMQP      = "amqp"
)

// Config selects the bus the bridge talks to. The in-process gochannel driver
// needs nothing else; amqp needs a broker URL.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	AMQPURL string `mapstructure:"amqp_url"`
	// QueueSuffix distinguishes consumer queues of different client instances.
	QueueSuffix string `mapstructure:"queue_suffix"`
	// Channels are republished to the bus as they arrive from the socket.
	Channels []string `mapstructure:"channels"`
	// CommandTopic carries send commands from the bus to the socket.
	CommandTopic string `mapstructure:"command_topic"`
	Buffer       int    `mapstructure:"buffer"`
}

// PubSub holds both halves of one bus connection.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// NewPubSub builds the publisher and subscriber for cfg.Driver.
func NewPubSub(cfg Config, logger watermill.LoggerAdapter) (*PubSub, error) {
	switch cfg.Driver {
	case "", DriverGoChannel:
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(max(cfg.Buffer, 0)),
		}, logger)
		return &PubSub{Publisher: ch, Subscriber: ch}, nil

	case DriverAMQP:
		if cfg.AMQPURL == "" {
			return nil, errors.New("pubsub: amqp_url is required for the amqp driver")
		}
		amqpCfg := amqp.NewDurablePubSubConfig(cfg.AMQPURL, amqp.GenerateQueueNameTopicNameWithSuffix(cfg.QueueSuffix))

		pub, err := amqp.NewPublisher(amqpCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub: amqp publisher: %w", err)
		}
		sub, err := amqp.NewSubscriber(amqpCfg, logger)
		if err != nil {
			_ = pub.Close()
			return nil, fmt.Errorf("pubsub: amqp subscriber: %w", err)
		}
		return &PubSub{Publisher: pub, Subscriber: sub}, nil

	default:
		return nil, fmt.Errorf("pubsub: unknown driver %q", cfg.Driver)
	}
}

// Close releases both halves. With gochannel they are the same object, closed once.
func (p *PubSub) Close() error {
	err := p.Publisher.Close()
	if any(p.Subscriber) != any(p.Publisher) {
		err = errors.Join(err, p.Subscriber.Close())
	}
	return err
}

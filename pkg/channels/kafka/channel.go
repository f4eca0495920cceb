// Package kafka provides the Kafka-backed watermill channel used in
// clustered deployments.
package kafka

import (
	"errors"
	"os"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
)

// CreateChannel builds a Kafka publisher/subscriber pair. Brokers come from
// KAFKA_BROKERS (comma separated); the consumer group is derived from the
// service name so the api and worker keep independent offsets.
func CreateChannel(logger watermill.LoggerAdapter, serviceName string) (*kafka.Publisher, *kafka.Subscriber, error) {
	brokers, err := brokerList()
	if err != nil {
		return nil, nil, err
	}

	subscriber, err := newSubscriber(logger, brokers, serviceName)
	if err != nil {
		return nil, nil, err
	}

	publisher, err := newPublisher(logger, brokers)
	if err != nil {
		return nil, nil, err
	}

	return publisher, subscriber, nil
}

func brokerList() ([]string, error) {
	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, errors.New("KAFKA_BROKERS environment variable is not set or empty")
	}

	return brokers, nil
}

func newSubscriber(logger watermill.LoggerAdapter, brokers []string, serviceName string) (*kafka.Subscriber, error) {
	config := kafka.DefaultSaramaSubscriberConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	return kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: config,
			ConsumerGroup:         "cg-" + serviceName,
			OTELEnabled:           true,
		},
		logger,
	)
}

func newPublisher(logger watermill.LoggerAdapter, brokers []string) (*kafka.Publisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true

	return kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: config,
			OTELEnabled:           true,
		},
		logger,
	)
}

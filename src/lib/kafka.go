package lib

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
)

const (
	correlationHeader = "correlation_id"
	replyTopicHeader  = "reply_topic"
)

var kafkaProducer *kafka.Producer

func GetKafkaProducer() (*kafka.Producer, error) {
	if kafkaProducer != nil {
		return kafkaProducer, nil
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": os.Getenv("KAFKA_BROKER"),
		"client.id":         os.Getenv("KAFKA_CLIENT_ID"),
		"acks":              "all",
	})
	if err != nil {
		log.Printf("Error on producer: %s\n", err.Error())
		return nil, err
	}
	kafkaProducer = p
	return p, nil
}

// NewKafkaProducer replaces the singleton, used by tests.
func NewKafkaProducer(p *kafka.Producer) {
	kafkaProducer = p
}

// KafkaProduceMessage publishes a JSON payload and waits for the broker
// acknowledgment.
func KafkaProduceMessage(topic string, payload map[string]any) error {
	p, err := GetKafkaProducer()
	if err != nil {
		return err
	}
	value, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error serializing payload for %s: %s\n", topic, err.Error())
		return err
	}
	deliveryChan := make(chan kafka.Event, 1)
	err = p.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          value,
	}, deliveryChan)
	if err != nil {
		log.Printf("Error producing to %s: %s\n", topic, err.Error())
		return err
	}
	select {
	case ev := <-deliveryChan:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event for %s: %v", topic, ev)
		}
		if m.TopicPartition.Error != nil {
			return m.TopicPartition.Error
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("delivery report timeout for %s", topic)
	}
}

// KafkaRequestReply publishes to topic and blocks until a correlated reply
// arrives on <topic>.reply or the timeout elapses. Used by the outbox
// dispatcher for events that need a synchronous acknowledgment and by the
// cache cold-miss pull.
func KafkaRequestReply(ctx context.Context, topic string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	replyTopic := fmt.Sprintf("%s.reply", topic)
	correlationId := uuid.NewString()

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  os.Getenv("KAFKA_BROKER"),
		"group.id":           fmt.Sprintf("gbs-reply-%s", correlationId),
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		log.Printf("Error creating reply consumer for %s: %s\n", topic, err.Error())
		return nil, err
	}
	defer consumer.Close()
	if err := consumer.SubscribeTopics([]string{replyTopic}, nil); err != nil {
		return nil, err
	}

	p, err := GetKafkaProducer()
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	err = p.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          value,
		Headers: []kafka.Header{
			{Key: correlationHeader, Value: []byte(correlationId)},
			{Key: replyTopicHeader, Value: []byte(replyTopic)},
		},
	}, nil)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ev := consumer.Poll(200)
		msg, ok := ev.(*kafka.Message)
		if !ok {
			continue
		}
		if headerValue(msg, correlationHeader) != correlationId {
			continue
		}
		var reply map[string]any
		if err := json.Unmarshal(msg.Value, &reply); err != nil {
			return nil, fmt.Errorf("malformed reply on %s: %w", replyTopic, err)
		}
		return reply, nil
	}
	return nil, fmt.Errorf("no reply on %s within %s", replyTopic, timeout)
}

func headerValue(msg *kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// KafkaConsumeTopics runs a background poll loop delivering each message to
// the handler. Errors inside the handler must be absorbed by the handler
// itself; the loop never stops on business failures.
func KafkaConsumeTopics(groupId string, topics []string, handler func(topic string, value []byte)) {
	log.Printf("[%s] Initializing kafka Consumer...\n", groupId)
	master, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": os.Getenv("KAFKA_BROKER"),
		"group.id":          groupId,
		"auto.offset.reset": "earliest",
		"retry.backoff.ms":  100,
	})
	if err != nil {
		log.Printf("[%s] Error on consumer: %s\n", groupId, err.Error())
		return
	}
	err = master.SubscribeTopics(topics, nil)
	if err != nil {
		log.Printf("[%s] Error subscribing to topics: %s\n", groupId, err.Error())
		return
	}
	go func() {
		log.Printf("[%s] waiting for messages on %v...\n", groupId, topics)
		run := true
		for run {
			ev := master.Poll(100)
			switch e := ev.(type) {
			case *kafka.Message:
				topic := ""
				if e.TopicPartition.Topic != nil {
					topic = *e.TopicPartition.Topic
				}
				handler(topic, e.Value)
			case kafka.Error:
				fmt.Fprintf(os.Stderr, "%% Error: %v\n", e)
				if e.IsFatal() {
					run = false
				}
			default:
			}
		}
		master.Close()
	}()
}

func KafkaCreateTopics(topics ...string) ([]kafka.TopicResult, error) {
	a, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": os.Getenv("KAFKA_BROKER"),
	})
	if err != nil {
		log.Printf("Error on AdminClient: %s\n", err.Error())
		return nil, err
	}
	topicsDef := []kafka.TopicSpecification{}
	for _, topic := range topics {
		topicsDef = append(topicsDef, kafka.TopicSpecification{
			Topic:         topic,
			NumPartitions: 10,
		})
	}
	result, err := a.CreateTopics(context.Background(), topicsDef)
	if err != nil {
		log.Printf("Error creating topics: %s\n", err.Error())
		return nil, err
	}
	return result, nil
}

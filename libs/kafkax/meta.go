package kafkax

import (
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Header keys carried on every envelope message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderVersion       = "version"
	HeaderProducerID    = "producer_id"
	HeaderCorrelationID = "correlation_id"
)

// EventMeta is the canonical metadata carried on Kafka messages across services.
type EventMeta struct {
	EventID       string
	EventType     string
	Version       uint64
	ProducerID    string
	CorrelationID string
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	eventID := HeaderValue(msg.Headers, HeaderEventID)
	eventType := HeaderValue(msg.Headers, HeaderEventType)
	if eventID == "" {
		eventID = string(msg.Key)
	}
	if eventType == "" {
		eventType = msg.Topic
	}
	version, _ := strconv.ParseUint(HeaderValue(msg.Headers, HeaderVersion), 10, 64)
	return EventMeta{
		EventID:       eventID,
		EventType:     eventType,
		Version:       version,
		ProducerID:    HeaderValue(msg.Headers, HeaderProducerID),
		CorrelationID: HeaderValue(msg.Headers, HeaderCorrelationID),
	}
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

package logging

import (
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
)

// BusLogger sends the notification bus's own logging to zerolog, tagged
// with component=bus. Watermill reports every subscription at info level,
// which is logged at debug here.
type BusLogger struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = &BusLogger{}

func NewBusLogger(logger zerolog.Logger) *BusLogger {
	return &BusLogger{logger: logger.With().Str("component", "bus").Logger()}
}

func (b *BusLogger) Error(msg string, err error, fields watermill.LogFields) {
	b.logger.Error().Fields(map[string]interface{}(fields)).Err(err).Msg(msg)
}

func (b *BusLogger) Info(msg string, fields watermill.LogFields) {
	b.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (b *BusLogger) Debug(msg string, fields watermill.LogFields) {
	b.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (b *BusLogger) Trace(msg string, fields watermill.LogFields) {
	b.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (b *BusLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &BusLogger{logger: b.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

const (
	chatIDKey   = "chat_id"
	sequenceKey = "sequence_number"
)

// SetChatID records the chat a bus message is about.
func SetChatID(msg *message.Message, chatID string) {
	msg.Metadata.Set(chatIDKey, chatID)
}

func ChatID(msg *message.Message) string {
	return msg.Metadata.Get(chatIDKey)
}

// Sequence is the publish order stamped by ChatPublisher, -1 if missing.
func Sequence(msg *message.Message) int64 {
	n, err := strconv.ParseInt(msg.Metadata.Get(sequenceKey), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// ChatPublisher numbers outgoing bus messages and makes sure each names a
// chat. Messages published without one get an "anon_" id so that their
// delivery can still be followed in the logs.
type ChatPublisher struct {
	message.Publisher

	mu   sync.Mutex
	next int64
}

func NewChatPublisher(p message.Publisher) *ChatPublisher {
	return &ChatPublisher{Publisher: p}
}

func (c *ChatPublisher) Publish(topic string, messages ...*message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range messages {
		if ChatID(msg) == "" {
			SetChatID(msg, "anon_"+shortuuid.New())
		}
		msg.Metadata.Set(sequenceKey, strconv.FormatInt(c.next, 10))
		c.next++
	}
	return c.Publisher.Publish(topic, messages...)
}

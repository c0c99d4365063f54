package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/arbor/pkg/logging"
	"github.com/rs/zerolog/log"
)

const (
	// TopicConversationUpdated fires after a title or stats change.
	TopicConversationUpdated = "conversation.updated"
	// TopicBackgroundComplete fires when a chat finished streaming while
	// another chat had focus.
	TopicBackgroundComplete = "stream.background-complete"
)

type NotificationKind string

const (
	KindTitle    NotificationKind = "title"
	KindStats    NotificationKind = "stats"
	KindMessages NotificationKind = "messages"
	KindDeleted  NotificationKind = "deleted"
	KindComplete NotificationKind = "complete"
)

// Notification is the fire-and-forget payload carried on the bus. Consumers
// should treat it as "something about ChatID changed" and re-read the store.
type Notification struct {
	ChatID      string           `json:"chatId"`
	Kind        NotificationKind `json:"kind"`
	DisplayName string           `json:"displayName,omitempty"`
	At          time.Time        `json:"at"`
}

// Notifier is what the coordinator, session and registry publish through.
type Notifier interface {
	Notify(topic string, n Notification)
}

// Bus distributes notifications over an in-process watermill pub/sub.
// Every published message carries a sequence number and the chat id in its
// metadata.
type Bus struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

var _ Notifier = (*Bus)(nil)

type BusOption func(*Bus)

func WithLogger(logger watermill.LoggerAdapter) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithVerbose routes watermill's own logging through the global logger.
func WithVerbose(verbose bool) BusOption {
	return func(b *Bus) {
		if verbose {
			b.logger = logging.NewBusLogger(log.Logger)
		}
	}
}

func NewBus(options ...BusOption) (*Bus, error) {
	ret := &Bus{
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, ret.logger)
	ret.Publisher = logging.NewChatPublisher(goPubSub)
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

// Publish sends n on topic.
func (b *Bus) Publish(topic string, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	logging.SetChatID(msg, n.ChatID)
	return b.Publisher.Publish(topic, msg)
}

// Notify is Publish with errors logged instead of returned.
func (b *Bus) Notify(topic string, n Notification) {
	if err := b.Publish(topic, n); err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("chat_id", n.ChatID).Msg("failed to publish notification")
	}
}

// Subscribe returns a channel of decoded notifications for topic. The
// channel closes when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Notification, error) {
	msgs, err := b.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Notification, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			n, err := decodeNotification(msg)
			msg.Ack()
			if err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("dropping malformed notification")
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decodeNotification(msg *message.Message) (Notification, error) {
	var n Notification
	err := json.Unmarshal(msg.Payload, &n)
	return n, err
}

// AddHandler registers f for topic on the bus router. Handlers run once Run
// has been called.
func (b *Bus) AddHandler(name string, topic string, f func(n Notification) error) {
	b.router.AddNoPublisherHandler(name, topic, b.Subscriber, func(msg *message.Message) error {
		n, err := decodeNotification(msg)
		if err != nil {
			log.Warn().Err(err).Str("handler", name).Msg("dropping malformed notification")
			return nil
		}
		return f(n)
	})
}

func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

func (b *Bus) Close() error {
	log.Debug().Msg("Closing notification bus")
	if err := b.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
	}
	if err := b.router.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close router")
	}
	return nil
}

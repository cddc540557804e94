// Package events defines the bus message vocabulary and the producer path
// that stamps and publishes domain events.
package events

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/adred-codev/ws_gateway/internal/pubsub"
	"github.com/adred-codev/ws_gateway/internal/snowflake"
)

// Values of the "type" discriminator carried by every bus message.
const (
	TypeMessageCreate      = "message.create"
	TypeMessageUpdate      = "message.update"
	TypeMessageDelete      = "message.delete"
	TypeConversationCreate = "conversation.create"
	TypeConversationLeave  = "conversation.leave"
	TypeUserUpdate         = "user.update"
	TypeTypingStart        = "typing.start"
)

// Well-known message fields.
const (
	FieldType           = "type"
	FieldID             = "id"
	FieldTimestamp      = "ts"
	FieldConversationID = "conversationId"
)

func UserChannel(userID string) string {
	return "user:" + userID
}

func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

var ErrMissingType = errors.New("event has no type")

// Publisher is the producer side of the bus. It fills in an id and a
// timestamp on events that lack them.
type Publisher struct {
	broker *pubsub.Broker
	ids    *snowflake.Generator
	now    func() time.Time
}

func NewPublisher(broker *pubsub.Broker, ids *snowflake.Generator) *Publisher {
	return &Publisher{broker: broker, ids: ids, now: time.Now}
}

// Publish sends event on channel. The caller's map is not modified.
func (p *Publisher) Publish(ctx context.Context, channel string, event pubsub.Message) (pubsub.Message, error) {
	if event.Type() == "" {
		return nil, ErrMissingType
	}

	stamped := maps.Clone(event)
	if _, ok := stamped[FieldID]; !ok {
		stamped[FieldID] = p.ids.Generate().String()
	}
	if _, ok := stamped[FieldTimestamp]; !ok {
		stamped[FieldTimestamp] = p.now().UnixMilli()
	}

	if err := p.broker.Publish(ctx, channel, stamped); err != nil {
		return nil, fmt.Errorf("publish %s event: %w", event.Type(), err)
	}
	return stamped, nil
}

// ToUser publishes an identity-level event.
func (p *Publisher) ToUser(ctx context.Context, userID string, event pubsub.Message) (pubsub.Message, error) {
	return p.Publish(ctx, UserChannel(userID), event)
}

// ToConversation publishes on a conversation channel, setting conversationId
// on the event.
func (p *Publisher) ToConversation(ctx context.Context, conversationID string, event pubsub.Message) (pubsub.Message, error) {
	withConversation := maps.Clone(event)
	if withConversation == nil {
		withConversation = pubsub.Message{}
	}
	withConversation[FieldConversationID] = conversationID
	return p.Publish(ctx, ConversationChannel(conversationID), withConversation)
}

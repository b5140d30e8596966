package nats

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"sudooom.im.messenger/pkg/proto"
)

// EventPublisher 会话事件发布器
type EventPublisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewEventPublisher 创建会话事件发布器
func NewEventPublisher(nc *nats.Conn) *EventPublisher {
	return &EventPublisher{
		nc:     nc,
		logger: slog.Default(),
	}
}

// PublishRoomEvent 广播会话房间事件到所有节点
func (p *EventPublisher) PublishRoomEvent(event *proto.RoomEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal room event", "error", err)
		return err
	}

	if err := p.nc.Publish(SubjectConversationPush, data); err != nil {
		p.logger.Error("Failed to publish room event",
			"event", event.Event,
			"conversationId", event.ConversationId,
			"error", err)
		return err
	}

	p.logger.Debug("Published room event",
		"event", event.Event,
		"conversationId", event.ConversationId)
	return nil
}

// PublishUserEvent 广播用户直投事件到所有节点
func (p *EventPublisher) PublishUserEvent(event *proto.UserEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal user event", "error", err)
		return err
	}

	if err := p.nc.Publish(SubjectUserPush, data); err != nil {
		p.logger.Error("Failed to publish user event",
			"event", event.Event,
			"userId", event.UserId,
			"error", err)
		return err
	}
	return nil
}

package service

import (
	"encoding/json"
	"log/slog"
	"time"

	"sudooom.im.messenger/internal/metrics"
	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/internal/nats"
	"sudooom.im.messenger/pkg/proto"
)

// eventPublisher 事件出口（接口便于在测试中替换）
type eventPublisher interface {
	PublishRoomEvent(event *proto.RoomEvent) error
	PublishUserEvent(event *proto.UserEvent) error
}

var _ eventPublisher = (*nats.EventPublisher)(nil)

// DispatcherService 事件分发服务
// 变更落库后把事件广播到 NATS，各节点转发给本地房间里的连接；
// 推送尽力而为，失败只记日志，不影响引起事件的操作
type DispatcherService struct {
	publisher eventPublisher
	logger    *slog.Logger
}

// NewDispatcherService 创建事件分发服务
func NewDispatcherService(publisher eventPublisher) *DispatcherService {
	return &DispatcherService{
		publisher: publisher,
		logger:    slog.Default(),
	}
}

// buildRoomEvent 构建房间事件
func (s *DispatcherService) buildRoomEvent(event string, convId int64, payload any) *proto.RoomEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal event payload", "event", event, "error", err)
		data = nil
	}
	metrics.EventsDispatched.WithLabelValues(event).Inc()
	return &proto.RoomEvent{
		Event:          event,
		ConversationId: convId,
		Payload:        data,
		Timestamp:      time.Now().UnixMilli(),
	}
}

// DispatchMessage 推送新消息到会话房间
func (s *DispatcherService) DispatchMessage(msg *model.Message) {
	event := s.buildRoomEvent(proto.EventNewMessage, msg.ConversationId, msg)
	if err := s.publisher.PublishRoomEvent(event); err != nil {
		s.logger.Warn("Failed to dispatch message",
			"conversationId", msg.ConversationId,
			"msgId", msg.Id,
			"error", err)
	}
}

// DispatchGroupChange 推送群管理变更到会话房间
func (s *DispatcherService) DispatchGroupChange(event string, convId, actorId int64, targetIds []int64, value string) {
	roomEvent := s.buildRoomEvent(event, convId, &proto.GroupChange{
		ConversationId: convId,
		ActorId:        actorId,
		TargetIds:      targetIds,
		Value:          value,
	})
	if err := s.publisher.PublishRoomEvent(roomEvent); err != nil {
		s.logger.Warn("Failed to dispatch group change",
			"event", event,
			"conversationId", convId,
			"error", err)
	}
}

// DispatchNotification 推送系统通知到会话房间
func (s *DispatcherService) DispatchNotification(n *model.SystemNotification) {
	event := s.buildRoomEvent(proto.EventNotification, n.ConversationId, n)
	if err := s.publisher.PublishRoomEvent(event); err != nil {
		s.logger.Warn("Failed to dispatch notification",
			"conversationId", n.ConversationId,
			"error", err)
	}
}

// DispatchNewConversation 按用户直投新会话事件
// 新成员此刻还没加入会话房间，走用户通道通知客户端拉取并订阅
func (s *DispatcherService) DispatchNewConversation(conv *model.Conversation, userIds []int64) {
	data, err := json.Marshal(conv)
	if err != nil {
		s.logger.Error("Failed to marshal conversation", "conversationId", conv.Id, "error", err)
		return
	}
	for _, userId := range userIds {
		event := &proto.UserEvent{
			Event:     proto.EventNewConversation,
			UserId:    userId,
			Payload:   data,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := s.publisher.PublishUserEvent(event); err != nil {
			s.logger.Warn("Failed to dispatch new conversation",
				"conversationId", conv.Id,
				"userId", userId,
				"error", err)
		}
	}
}

package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"sudooom.im.messenger/pkg/proto"
)

// EventHandler 事件处理器接口
type EventHandler interface {
	HandleRoomEvent(ctx context.Context, event *proto.RoomEvent)
	HandleUserEvent(ctx context.Context, event *proto.UserEvent)
}

// SubscriberConfig Worker Pool 配置
type SubscriberConfig struct {
	WorkerCount int // Worker 数量
	BufferSize  int // 消息缓冲区大小
}

// EventSubscriber 会话事件订阅器
// 所有节点都订阅同一 subject（非队列组），各自把事件转发给本地房间里的连接
type EventSubscriber struct {
	nc         *nats.Conn
	handler    EventHandler
	logger     *slog.Logger
	subs       []*nats.Subscription
	config     SubscriberConfig
	msgChan    chan *nats.Msg
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
}

// NewEventSubscriber 创建会话事件订阅器
func NewEventSubscriber(nc *nats.Conn, handler EventHandler, config SubscriberConfig) *EventSubscriber {
	// 设置默认值
	if config.WorkerCount <= 0 {
		config.WorkerCount = 100
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 10000
	}

	return &EventSubscriber{
		nc:      nc,
		handler: handler,
		logger:  slog.Default(),
		config:  config,
	}
}

// Start 启动订阅
func (s *EventSubscriber) Start(ctx context.Context) error {
	s.msgChan = make(chan *nats.Msg, s.config.BufferSize)

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(workerCtx)
	}

	enqueue := func(msg *nats.Msg) {
		select {
		case s.msgChan <- msg:
		default:
			// 缓冲区满，记录警告
			s.logger.Warn("Event buffer full, dropping event", "bufferSize", s.config.BufferSize)
		}
	}

	for _, subject := range []string{SubjectConversationPush, SubjectUserPush} {
		sub, err := s.nc.Subscribe(subject, enqueue)
		if err != nil {
			cancel()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("NATS subscriber started",
		"workerCount", s.config.WorkerCount,
		"bufferSize", s.config.BufferSize,
	)
	return nil
}

// worker 工作协程
func (s *EventSubscriber) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.msgChan:
			if !ok {
				return
			}
			s.dispatch(ctx, msg)
		}
	}
}

// dispatch 按 subject 解码并交给处理器
func (s *EventSubscriber) dispatch(ctx context.Context, msg *nats.Msg) {
	switch msg.Subject {
	case SubjectConversationPush:
		var event proto.RoomEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Failed to unmarshal room event", "error", err)
			return
		}
		s.handler.HandleRoomEvent(ctx, &event)
	case SubjectUserPush:
		var event proto.UserEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Failed to unmarshal user event", "error", err)
			return
		}
		s.handler.HandleUserEvent(ctx, &event)
	}
}

// Stop 停止订阅
func (s *EventSubscriber) Stop() error {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Error("Failed to unsubscribe", "error", err)
		}
	}

	if s.msgChan != nil {
		close(s.msgChan)
	}

	s.wg.Wait()

	s.logger.Info("NATS subscriber stopped")
	return nil
}

// GetBufferUsage 获取缓冲区使用情况（用于监控）
func (s *EventSubscriber) GetBufferUsage() (current int, capacity int) {
	if s.msgChan == nil {
		return 0, 0
	}
	return len(s.msgChan), cap(s.msgChan)
}

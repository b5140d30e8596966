package service

import (
	"context"
	"log/slog"
	"time"

	"sudooom.im.messenger/internal/metrics"
	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/pkg/snowflake"
)

// notificationStore 通知持久化（接口便于在测试中替换）
type notificationStore interface {
	Create(ctx context.Context, n *model.SystemNotification) error
	ListByConversation(ctx context.Context, convId int64, limit int) ([]*model.SystemNotification, error)
	MarkRead(ctx context.Context, notificationId, userId int64) error
}

// summaryFolder 把通知折叠进会话摘要
type summaryFolder interface {
	AdvanceLastChange(ctx context.Context, convId int64, at time.Time) (bool, error)
}

// NotificationService 群管理系统通知
// 通知是尽力而为的审计流水：持久化或折叠失败只记日志，
// 触发通知的操作本身照常成功
type NotificationService struct {
	store      notificationStore
	folder     summaryFolder
	dispatcher *DispatcherService
	idGen      *snowflake.Node
	logger     *slog.Logger
}

// NewNotificationService 创建通知服务
func NewNotificationService(store notificationStore, folder summaryFolder, dispatcher *DispatcherService, idGen *snowflake.Node) *NotificationService {
	return &NotificationService{
		store:      store,
		folder:     folder,
		dispatcher: dispatcher,
		idGen:      idGen,
		logger:     slog.Default(),
	}
}

// Notify 记录一条群管理通知并广播
// 折叠规则：仅当会话摘要的 last_change 早于通知时间才推进（守卫在 SQL 内），
// 并发乱序到达时最新事件胜出，不会被旧事件覆盖
// 持久化失败作为警告返回给调用方，调用方记日志后照常成功
func (s *NotificationService) Notify(ctx context.Context, convId int64, notifyType model.NotificationType, actorId int64, targetIds []int64, content string) error {
	n := &model.SystemNotification{
		Id:             int64(s.idGen.Generate()),
		ConversationId: convId,
		Type:           notifyType,
		ActorId:        actorId,
		TargetIds:      targetIds,
		Content:        content,
		CreatedAt:      time.Now(),
	}

	if err := s.store.Create(ctx, n); err != nil {
		metrics.NotificationFailures.Inc()
		return err
	}

	folded, err := s.folder.AdvanceLastChange(ctx, convId, n.CreatedAt)
	if err != nil {
		s.logger.Warn("Failed to fold notification into summary",
			"conversationId", convId,
			"error", err)
	} else if !folded {
		s.logger.Debug("Notification older than summary, fold skipped",
			"conversationId", convId,
			"type", notifyType)
	}

	if s.dispatcher != nil {
		s.dispatcher.DispatchNotification(n)
	}
	return nil
}

// List 查询会话通知流水
func (s *NotificationService) List(ctx context.Context, convId int64, limit int) ([]*model.SystemNotification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByConversation(ctx, convId, limit)
}

// MarkRead 标记通知已读
func (s *NotificationService) MarkRead(ctx context.Context, notificationId, userId int64) error {
	return s.store.MarkRead(ctx, notificationId, userId)
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.messenger/internal/model"
	apperrors "sudooom.im.messenger/pkg/errors"
)

// NotificationRepository 系统通知仓库
type NotificationRepository struct {
	db *pgxpool.Pool
}

// NewNotificationRepository 创建系统通知仓库
func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create 写入系统通知
func (r *NotificationRepository) Create(ctx context.Context, n *model.SystemNotification) error {
	query := `
		INSERT INTO system_notifications (id, conversation_id, notify_type, actor_id, target_ids, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		n.Id, n.ConversationId, n.Type, n.ActorId, n.TargetIds, n.Content, n.CreatedAt)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// ListByConversation 取会话通知，按时间倒序
func (r *NotificationRepository) ListByConversation(ctx context.Context, convId int64, limit int) ([]*model.SystemNotification, error) {
	query := `
		SELECT id, conversation_id, notify_type, actor_id, target_ids, content, read_by, created_at
		FROM system_notifications
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, convId, limit)
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	defer rows.Close()

	var list []*model.SystemNotification
	for rows.Next() {
		n := &model.SystemNotification{}
		if err := rows.Scan(&n.Id, &n.ConversationId, &n.Type, &n.ActorId, &n.TargetIds, &n.Content, &n.ReadBy, &n.CreatedAt); err != nil {
			return nil, apperrors.ErrDBError.Wrap(err)
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// MarkRead 将用户加入通知的已读集合（幂等）
func (r *NotificationRepository) MarkRead(ctx context.Context, notificationId, userId int64) error {
	query := `
		UPDATE system_notifications SET read_by = array_append(read_by, $2)
		WHERE id = $1 AND NOT ($2 = ANY(read_by))
	`
	if _, err := r.db.Exec(ctx, query, notificationId, userId); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

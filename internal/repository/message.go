package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.messenger/internal/model"
	apperrors "sudooom.im.messenger/pkg/errors"
)

// MessageRepository 消息仓库
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository 创建消息仓库
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `
	id, conversation_id, sender_id, msg_type, content, attachments, status,
	recalled, hidden_for, reply_to, reply_snapshot, pinned, pinned_at, poll, created_at
`

func scanMessage(row pgx.Row) (*model.Message, error) {
	msg := &model.Message{}
	err := row.Scan(
		&msg.Id,
		&msg.ConversationId,
		&msg.SenderId,
		&msg.MsgType,
		&msg.Content,
		&msg.Attachments,
		&msg.Status,
		&msg.Recalled,
		&msg.HiddenFor,
		&msg.ReplyTo,
		&msg.ReplySnapshot,
		&msg.Pinned,
		&msg.PinnedAt,
		&msg.Poll,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrMessageNotFound
		}
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	return msg, nil
}

// Create 写入消息
func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, msg_type, content, attachments, status,
		                      reply_to, reply_snapshot, poll, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		msg.Id,
		msg.ConversationId,
		msg.SenderId,
		msg.MsgType,
		msg.Content,
		msg.Attachments,
		msg.Status,
		msg.ReplyTo,
		msg.ReplySnapshot,
		msg.Poll,
		msg.CreatedAt,
	)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// GetByID 根据 ID 查找消息
func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.attachExtras(ctx, []*model.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListBefore 取会话中严格早于 (before, beforeId) 的消息，按时间倒序（最新在前）
// 游标与排序同为 (created_at, id) 复合序，同一时间戳的消息跨页也不重不漏；
// viewer 删除过的消息被过滤，cutoff（群解散时间）之前的消息对所有人不可见
func (r *MessageRepository) ListBefore(ctx context.Context, convId int64, before time.Time, beforeId int64, limit int, viewerId int64, cutoff *time.Time) ([]*model.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1
		  AND (created_at, id) < ($2, $3)
		  AND NOT ($4 = ANY(hidden_for))
		  AND ($5::timestamptz IS NULL OR created_at > $5)
		ORDER BY created_at DESC, id DESC
		LIMIT $6
	`
	rows, err := r.db.Query(ctx, query, convId, before, beforeId, viewerId, cutoff, limit)
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}

	if err := r.attachExtras(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// attachExtras 批量加载表态与回执
func (r *MessageRepository) attachExtras(ctx context.Context, messages []*model.Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(messages))
	index := make(map[int64]*model.Message, len(messages))
	for _, m := range messages {
		ids = append(ids, m.Id)
		index[m.Id] = m
	}

	rows, err := r.db.Query(ctx, `
		SELECT message_id, user_id, reaction, created_at FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at
	`, ids)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var msgId int64
		var re model.Reaction
		if err := rows.Scan(&msgId, &re.UserId, &re.Reaction, &re.CreatedAt); err != nil {
			return apperrors.ErrDBError.Wrap(err)
		}
		if m := index[msgId]; m != nil {
			m.Reactions = append(m.Reactions, re)
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}

	rrows, err := r.db.Query(ctx, `
		SELECT message_id, user_id, delivered_at, read_at FROM message_receipts
		WHERE message_id = ANY($1)
	`, ids)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var msgId int64
		var rc model.Receipt
		if err := rrows.Scan(&msgId, &rc.UserId, &rc.DeliveredAt, &rc.ReadAt); err != nil {
			return apperrors.ErrDBError.Wrap(err)
		}
		if m := index[msgId]; m != nil {
			m.Receipts = append(m.Receipts, rc)
		}
	}
	return rrows.Err()
}

// SetRecalled 撤回消息（内容保留在存储中，客户端按标记隐藏展示）
func (r *MessageRepository) SetRecalled(ctx context.Context, id int64) error {
	query := `UPDATE messages SET recalled = TRUE WHERE id = $1 AND recalled = FALSE`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrAlreadyRecalled
	}
	return nil
}

// HideForUser 对单个用户隐藏消息（幂等）
func (r *MessageRepository) HideForUser(ctx context.Context, id, userId int64) error {
	query := `
		UPDATE messages SET hidden_for = array_append(hidden_for, $2)
		WHERE id = $1 AND NOT ($2 = ANY(hidden_for))
	`
	if _, err := r.db.Exec(ctx, query, id, userId); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// SetPinned 置顶/取消置顶
func (r *MessageRepository) SetPinned(ctx context.Context, id int64, pinned bool, at time.Time) error {
	var query string
	var err error
	if pinned {
		query = `UPDATE messages SET pinned = TRUE, pinned_at = $2 WHERE id = $1`
		_, err = r.db.Exec(ctx, query, id, at)
	} else {
		query = `UPDATE messages SET pinned = FALSE, pinned_at = NULL WHERE id = $1`
		_, err = r.db.Exec(ctx, query, id)
	}
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// ListPinned 获取会话置顶消息
func (r *MessageRepository) ListPinned(ctx context.Context, convId int64) ([]*model.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1 AND pinned = TRUE
		ORDER BY pinned_at DESC
	`
	rows, err := r.db.Query(ctx, query, convId)
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpsertReaction 写入表态，同一用户后写覆盖
func (r *MessageRepository) UpsertReaction(ctx context.Context, msgId, userId int64, reaction string, at time.Time) error {
	query := `
		INSERT INTO message_reactions (message_id, user_id, reaction, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET reaction = $3, created_at = $4
	`
	if _, err := r.db.Exec(ctx, query, msgId, userId, reaction, at); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// RemoveReaction 删除表态
func (r *MessageRepository) RemoveReaction(ctx context.Context, msgId, userId int64) error {
	query := `DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`
	if _, err := r.db.Exec(ctx, query, msgId, userId); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// MarkDelivered 写入送达回执，保留首个时间（幂等 upsert，非追加）
func (r *MessageRepository) MarkDelivered(ctx context.Context, msgId, userId int64, at time.Time) error {
	query := `
		INSERT INTO message_receipts (message_id, user_id, delivered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET delivered_at = COALESCE(message_receipts.delivered_at, $3)
	`
	if _, err := r.db.Exec(ctx, query, msgId, userId, at); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// MarkRead 写入已读回执，保留首个时间（幂等 upsert，非追加）
func (r *MessageRepository) MarkRead(ctx context.Context, msgId, userId int64, at time.Time) error {
	query := `
		INSERT INTO message_receipts (message_id, user_id, delivered_at, read_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET read_at = COALESCE(message_receipts.read_at, $3),
		              delivered_at = COALESCE(message_receipts.delivered_at, $3)
	`
	if _, err := r.db.Exec(ctx, query, msgId, userId, at); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// UpdatePoll 重写投票载荷（投票/撤销投票时由服务层在会话锁内调用）
func (r *MessageRepository) UpdatePoll(ctx context.Context, msgId int64, poll *model.Poll) error {
	query := `UPDATE messages SET poll = $2 WHERE id = $1 AND poll IS NOT NULL`
	tag, err := r.db.Exec(ctx, query, msgId, poll)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrMessageNotFound
	}
	return nil
}

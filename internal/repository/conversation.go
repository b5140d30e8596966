package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.messenger/internal/model"
	apperrors "sudooom.im.messenger/pkg/errors"
)

// queryer pgxpool.Pool 和 pgx.Tx 的公共子集，
// 让同一批查询方法既能走连接池也能在事务内执行
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ConversationRepository 会话数据访问
type ConversationRepository struct {
	db *pgxpool.Pool
}

// NewConversationRepository 创建会话仓库
func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `
	id, kind, creator_id, receiver_id, name, avatar, background, owner_id,
	last_message_id, last_message, last_change,
	deleted, deleted_at, deleted_for_all_at, created_at, updated_at
`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	conv := &model.Conversation{}
	var receiverId, ownerId, lastMessageId *int64
	err := row.Scan(
		&conv.Id,
		&conv.Kind,
		&conv.CreatorId,
		&receiverId,
		&conv.Name,
		&conv.Avatar,
		&conv.Background,
		&ownerId,
		&lastMessageId,
		&conv.LastMessage,
		&conv.LastChange,
		&conv.Deleted,
		&conv.DeletedAt,
		&conv.DeletedForAllAt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrConversationNotFound
		}
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	if receiverId != nil {
		conv.ReceiverId = *receiverId
	}
	if ownerId != nil {
		conv.OwnerId = *ownerId
	}
	if lastMessageId != nil {
		conv.LastMessageId = *lastMessageId
	}
	return conv, nil
}

// loadMembers 加载成员行并投影为成员/角色/前成员/黑名单集合
func (r *ConversationRepository) loadMembers(ctx context.Context, q queryer, conv *model.Conversation) error {
	query := `
		SELECT user_id, role, status FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY joined_at
	`
	rows, err := q.Query(ctx, query, conv.Id)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	defer rows.Close()

	conv.Members = nil
	conv.CoOwnerIds = nil
	conv.FormerMembers = nil
	conv.Blocked = nil

	for rows.Next() {
		var userId int64
		var role model.Role
		var status model.MemberStatus
		if err := rows.Scan(&userId, &role, &status); err != nil {
			return apperrors.ErrDBError.Wrap(err)
		}
		switch status {
		case model.MemberStatusActive:
			conv.Members = append(conv.Members, userId)
			if role == model.RoleCoOwner {
				conv.CoOwnerIds = append(conv.CoOwnerIds, userId)
			}
		case model.MemberStatusFormer:
			conv.FormerMembers = append(conv.FormerMembers, userId)
		case model.MemberStatusBlocked:
			// 黑名单成员同时也算前成员（保留历史访问控制语义）
			conv.FormerMembers = append(conv.FormerMembers, userId)
			conv.Blocked = append(conv.Blocked, userId)
		}
	}
	return rows.Err()
}

// Create 创建会话及成员行（单个事务）
func (r *ConversationRepository) Create(ctx context.Context, conv *model.Conversation, members []model.Member) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO conversations (id, kind, creator_id, receiver_id, name, avatar, background, owner_id, last_change, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $9)
	`
	var receiverId *int64
	if conv.ReceiverId != 0 {
		receiverId = &conv.ReceiverId
	}
	var ownerId *int64
	if conv.OwnerId != 0 {
		ownerId = &conv.OwnerId
	}
	if _, err := tx.Exec(ctx, query,
		conv.Id, conv.Kind, conv.CreatorId, receiverId,
		conv.Name, conv.Avatar, conv.Background, ownerId, conv.CreatedAt,
	); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}

	for _, m := range members {
		if err := r.UpsertMemberTx(ctx, tx, &m); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// GetByID 通过 ID 获取会话（含成员投影）
func (r *ConversationRepository) GetByID(ctx context.Context, id int64) (*model.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadMembers(ctx, r.db, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// FindDirectByPair 按无序参与者对查找单聊会话
func (r *ConversationRepository) FindDirectByPair(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + ` FROM conversations
		WHERE kind = $1
		  AND LEAST(creator_id, receiver_id) = LEAST($2::bigint, $3::bigint)
		  AND GREATEST(creator_id, receiver_id) = GREATEST($2::bigint, $3::bigint)
	`
	return scanConversation(r.db.QueryRow(ctx, query, model.KindDirect, userA, userB))
}

// ListByUser 列出用户当前参与的会话（现任群成员 + 单聊参与者）
// 前成员不在列表内：历史访问走逐会话判权，实时订阅则一律不放行
func (r *ConversationRepository) ListByUser(ctx context.Context, userId int64) ([]int64, error) {
	query := `
		SELECT conversation_id FROM conversation_members
		WHERE user_id = $1 AND status = $2
		UNION
		SELECT id FROM conversations WHERE kind = $3 AND (creator_id = $1 OR receiver_id = $1)
	`
	rows, err := r.db.Query(ctx, query, userId,
		model.MemberStatusActive, model.KindDirect)
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.ErrDBError.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Mutate 在行锁事务内执行会话变更
// SELECT ... FOR UPDATE 将同一会话上的并发变更串行化，
// 不同会话互不阻塞；fn 返回错误时整个事务回滚，不留部分状态
func (r *ConversationRepository) Mutate(ctx context.Context, id int64, fn func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error) (*model.Conversation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 FOR UPDATE`
	conv, err := scanConversation(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadMembers(ctx, tx, conv); err != nil {
		return nil, err
	}

	if err := fn(ctx, tx, conv); err != nil {
		return nil, err
	}

	// 重新加载，让调用方拿到变更后的快照
	conv, err = scanConversation(tx.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadMembers(ctx, tx, conv); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	return conv, nil
}

// ============== 事务内变更原语 ==============

// UpsertMemberTx 写入/恢复成员行
func (r *ConversationRepository) UpsertMemberTx(ctx context.Context, tx pgx.Tx, m *model.Member) error {
	query := `
		INSERT INTO conversation_members (conversation_id, user_id, role, status, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET role = $3, status = $4, updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, query, m.ConversationId, m.UserId, m.Role, m.Status); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// SetMemberStatusTx 更新成员状态，离开成员同时清除副群主角色
func (r *ConversationRepository) SetMemberStatusTx(ctx context.Context, tx pgx.Tx, convId, userId int64, status model.MemberStatus) error {
	query := `
		UPDATE conversation_members
		SET status = $3,
		    role = CASE WHEN $3 <> $4 THEN $5 ELSE role END,
		    updated_at = NOW()
		WHERE conversation_id = $1 AND user_id = $2
	`
	tag, err := tx.Exec(ctx, query, convId, userId, status, model.MemberStatusActive, model.RoleMember)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrMemberNotFound
	}
	return nil
}

// SetMemberRoleTx 更新成员角色
func (r *ConversationRepository) SetMemberRoleTx(ctx context.Context, tx pgx.Tx, convId, userId int64, role model.Role) error {
	query := `
		UPDATE conversation_members SET role = $3, updated_at = NOW()
		WHERE conversation_id = $1 AND user_id = $2 AND status = $4
	`
	tag, err := tx.Exec(ctx, query, convId, userId, role, model.MemberStatusActive)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrMemberNotFound
	}
	return nil
}

// SetOwnerTx 更新群主指针
func (r *ConversationRepository) SetOwnerTx(ctx context.Context, tx pgx.Tx, convId, ownerId int64) error {
	query := `UPDATE conversations SET owner_id = $2, updated_at = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, query, convId, ownerId); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// UpdateProfileTx 更新群资料字段（传 nil 表示不修改；background 用双指针区分"不改"与"清空"）
func (r *ConversationRepository) UpdateProfileTx(ctx context.Context, tx pgx.Tx, convId int64, name, avatar *string, background **string) error {
	if name != nil {
		if _, err := tx.Exec(ctx, `UPDATE conversations SET name = $2, updated_at = NOW() WHERE id = $1`, convId, *name); err != nil {
			return apperrors.ErrDBError.Wrap(err)
		}
	}
	if avatar != nil {
		if _, err := tx.Exec(ctx, `UPDATE conversations SET avatar = $2, updated_at = NOW() WHERE id = $1`, convId, *avatar); err != nil {
			return apperrors.ErrDBError.Wrap(err)
		}
	}
	if background != nil {
		if _, err := tx.Exec(ctx, `UPDATE conversations SET background = $2, updated_at = NOW() WHERE id = $1`, convId, *background); err != nil {
			return apperrors.ErrDBError.Wrap(err)
		}
	}
	return nil
}

// AdvanceLastChange 推进 last_change（事务外，通知折叠用）
// 守卫与 UpdateSummary 相同：时间戳只前进，旧事件整条语句不生效
func (r *ConversationRepository) AdvanceLastChange(ctx context.Context, convId int64, at time.Time) (bool, error) {
	query := `UPDATE conversations SET last_change = $2, updated_at = NOW() WHERE id = $1 AND last_change < $2`
	tag, err := r.db.Exec(ctx, query, convId, at)
	if err != nil {
		return false, apperrors.ErrDBError.Wrap(err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDeletedTx 软删除群（幂等，已删除时不再推进时间戳）
func (r *ConversationRepository) MarkDeletedTx(ctx context.Context, tx pgx.Tx, convId int64, at time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET deleted = TRUE, deleted_at = $2, deleted_for_all_at = $2, updated_at = NOW()
		WHERE id = $1 AND deleted = FALSE
	`
	tag, err := tx.Exec(ctx, query, convId, at)
	if err != nil {
		return false, apperrors.ErrDBError.Wrap(err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveAllMembersTx 解散群时把全部在群成员转为前成员
func (r *ConversationRepository) RemoveAllMembersTx(ctx context.Context, tx pgx.Tx, convId int64) error {
	query := `
		UPDATE conversation_members
		SET status = $2, role = $3, updated_at = NOW()
		WHERE conversation_id = $1 AND status = $4
	`
	if _, err := tx.Exec(ctx, query, convId, model.MemberStatusFormer, model.RoleMember, model.MemberStatusActive); err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// UpdateSummary 写入最后消息快照并推进 last_change
// 时间戳守卫在 SQL 里一次完成：旧数据到达时整条语句不生效，
// 避免读-改-写竞态把更新的摘要覆盖掉
func (r *ConversationRepository) UpdateSummary(ctx context.Context, convId, msgId int64, last *model.LastMessage, at time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET last_message_id = $2, last_message = $3, last_change = $4, updated_at = NOW()
		WHERE id = $1 AND last_change < $4
	`
	tag, err := r.db.Exec(ctx, query, convId, msgId, last, at)
	if err != nil {
		return false, apperrors.ErrDBError.Wrap(err)
	}
	return tag.RowsAffected() > 0, nil
}

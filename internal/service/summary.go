package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.messenger/internal/model"
)

const summaryKeyPrefix = "im:conv:summary:"

// buildSummaryKey 用户视角的会话摘要 Hash Key
func buildSummaryKey(userId, convId int64) string {
	return fmt.Sprintf("%s%d:%d", summaryKeyPrefix, userId, convId)
}

// buildSummaryIndexKey 用户会话索引 ZSet Key（score 为更新时间）
func buildSummaryIndexKey(userId int64) string {
	return fmt.Sprintf("im:conv:index:%d", userId)
}

// SummaryService 会话摘要服务（基于 Redis）
// 未读数、置顶、静音是用户私有视图，与会话本体分开存储
type SummaryService struct {
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewSummaryService 创建会话摘要服务
func NewSummaryService(redisClient *redis.Client) *SummaryService {
	return &SummaryService{
		redisClient: redisClient,
		logger:      slog.Default(),
	}
}

// TouchForSender 更新发送者的会话摘要（发消息时，不加未读）
func (s *SummaryService) TouchForSender(ctx context.Context, userId, convId, msgId int64) error {
	now := time.Now().UnixMilli()

	pipe := s.redisClient.Pipeline()
	pipe.HSet(ctx, buildSummaryKey(userId, convId), "last_msg_id", msgId, "update_at", now)
	pipe.ZAdd(ctx, buildSummaryIndexKey(userId), redis.Z{Score: float64(now), Member: convId})
	_, err := pipe.Exec(ctx)

	return err
}

// TouchForRecipients 批量更新接收者的会话摘要并累加未读
func (s *SummaryService) TouchForRecipients(ctx context.Context, memberIds []int64, senderId, convId, msgId int64) error {
	now := time.Now().UnixMilli()

	pipe := s.redisClient.Pipeline()
	for _, userId := range memberIds {
		convKey := buildSummaryKey(userId, convId)
		pipe.HSet(ctx, convKey, "last_msg_id", msgId, "update_at", now)
		if userId != senderId {
			pipe.HIncrBy(ctx, convKey, "unread_count", 1)
		}
		pipe.ZAdd(ctx, buildSummaryIndexKey(userId), redis.Z{Score: float64(now), Member: convId})
	}
	_, err := pipe.Exec(ctx)

	return err
}

// MarkRead 清零未读并记录已读位置
func (s *SummaryService) MarkRead(ctx context.Context, userId, convId, lastReadMsgId int64) error {
	return s.redisClient.HSet(ctx, buildSummaryKey(userId, convId),
		"unread_count", 0, "last_read_msg_id", lastReadMsgId).Err()
}

// SetPinned 置顶/取消置顶会话（用户私有）
func (s *SummaryService) SetPinned(ctx context.Context, userId, convId int64, pinned bool) error {
	return s.redisClient.HSet(ctx, buildSummaryKey(userId, convId), "is_pinned", boolFlag(pinned)).Err()
}

// SetMuted 静音/取消静音会话（用户私有）
func (s *SummaryService) SetMuted(ctx context.Context, userId, convId int64, muted bool) error {
	return s.redisClient.HSet(ctx, buildSummaryKey(userId, convId), "is_muted", boolFlag(muted)).Err()
}

// Remove 从用户索引中摘除会话（退群/被移除后列表不再展示）
func (s *SummaryService) Remove(ctx context.Context, userId, convId int64) error {
	pipe := s.redisClient.Pipeline()
	pipe.ZRem(ctx, buildSummaryIndexKey(userId), convId)
	pipe.Del(ctx, buildSummaryKey(userId, convId))
	_, err := pipe.Exec(ctx)
	return err
}

// GetUserSummaries 获取用户会话摘要列表（按更新时间倒序）
func (s *SummaryService) GetUserSummaries(ctx context.Context, userId int64, offset, limit int64) ([]model.ConversationSummary, error) {
	idxKey := buildSummaryIndexKey(userId)

	members, err := s.redisClient.ZRevRange(ctx, idxKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, err
	}

	if len(members) == 0 {
		return []model.ConversationSummary{}, nil
	}

	// Pipeline 批量获取摘要详情
	pipe := s.redisClient.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	convIds := make([]int64, len(members))

	for i, m := range members {
		convIds[i], _ = strconv.ParseInt(m, 10, 64)
		cmds[i] = pipe.HGetAll(ctx, buildSummaryKey(userId, convIds[i]))
	}

	_, err = pipe.Exec(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]model.ConversationSummary, 0, len(members))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		summaries = append(summaries, model.ConversationSummary{
			ConversationId: convIds[i],
			LastMsgID:      parseInt64(data["last_msg_id"]),
			LastReadMsgID:  parseInt64(data["last_read_msg_id"]),
			UnreadCount:    int(parseInt64(data["unread_count"])),
			IsPinned:       data["is_pinned"] == "1",
			IsMuted:        data["is_muted"] == "1",
			UpdateAt:       parseInt64(data["update_at"]),
		})
	}

	return summaries, nil
}

// GetTotalUnreadCount 获取用户总未读数
func (s *SummaryService) GetTotalUnreadCount(ctx context.Context, userId int64) (int64, error) {
	idxKey := buildSummaryIndexKey(userId)

	members, err := s.redisClient.ZRange(ctx, idxKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	if len(members) == 0 {
		return 0, nil
	}

	pipe := s.redisClient.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))

	for i, m := range members {
		convId, _ := strconv.ParseInt(m, 10, 64)
		cmds[i] = pipe.HGet(ctx, buildSummaryKey(userId, convId), "unread_count")
	}

	_, _ = pipe.Exec(ctx)

	var total int64
	for _, cmd := range cmds {
		count, err := cmd.Int64()
		if err == nil {
			total += count
		}
	}

	return total, nil
}

func parseInt64(str string) int64 {
	v, _ := strconv.ParseInt(str, 10, 64)
	return v
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

package service

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"sudooom.im.messenger/internal/metrics"
	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/internal/permission"
	"sudooom.im.messenger/internal/repository"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/snowflake"
)

const (
	maxContentLen   = 4096
	maxReactionLen  = 32
	defaultPageSize = 50
	maxPageSize     = 200
	snapshotPreview = 120
)

// SendInput 发送消息入参
type SendInput struct {
	ConversationId int64
	ToUserId       int64 // 首次单聊时会话尚不存在，按接收者创建
	MsgType        model.MessageType
	Content        string
	Attachments    []model.Attachment
	ReplyTo        int64
	Poll           *model.Poll
}

// HistoryCursor 历史分页游标，(CreatedAt, Id) 复合序
// 同一时间戳的消息靠雪花 ID 区分，跨页边界不重不漏
type HistoryCursor struct {
	CreatedAt time.Time
	Id        int64
}

// HistoryPage 历史分页结果
// NextCursor 为本页最旧一条的位置，传回即可取更早的一页；nil 表示没有更多
type HistoryPage struct {
	Messages   []*model.Message
	NextCursor *HistoryCursor
}

// MessageService 消息服务
type MessageService struct {
	msgRepo    *repository.MessageRepository
	convRepo   *repository.ConversationRepository
	convSvc    *ConversationService
	summary    *SummaryService
	dispatcher *DispatcherService
	idGen      *snowflake.Node
	logger     *slog.Logger
}

// NewMessageService 创建消息服务
func NewMessageService(
	msgRepo *repository.MessageRepository,
	convRepo *repository.ConversationRepository,
	convSvc *ConversationService,
	summary *SummaryService,
	dispatcher *DispatcherService,
	idGen *snowflake.Node,
) *MessageService {
	return &MessageService{
		msgRepo:    msgRepo,
		convRepo:   convRepo,
		convSvc:    convSvc,
		summary:    summary,
		dispatcher: dispatcher,
		idGen:      idGen,
		logger:     slog.Default(),
	}
}

// Send 发送消息
// 首次给好友发消息时自动建立单聊会话；
// 落库成功即算发送成功，摘要和推送都是尽力而为
func (s *MessageService) Send(ctx context.Context, senderId int64, in *SendInput) (*model.Message, error) {
	if err := validateSendInput(in); err != nil {
		return nil, err
	}

	conv, err := s.resolveConversation(ctx, senderId, in)
	if err != nil {
		return nil, err
	}
	if conv.Deleted {
		return nil, apperrors.ErrGroupDeleted
	}
	if err := permission.Decide(senderId, permission.ActionSend, 0, conv); err != nil {
		return nil, err
	}

	msg := &model.Message{
		Id:             int64(s.idGen.Generate()),
		ConversationId: conv.Id,
		SenderId:       senderId,
		MsgType:        in.MsgType,
		Content:        in.Content,
		Attachments:    in.Attachments,
		Status:         model.SendStatusSent,
		Poll:           in.Poll,
		CreatedAt:      time.Now(),
	}

	if in.ReplyTo > 0 {
		snapshot, err := s.buildReplySnapshot(ctx, conv.Id, in.ReplyTo)
		if err != nil {
			return nil, err
		}
		replyTo := in.ReplyTo
		msg.ReplyTo = &replyTo
		msg.ReplySnapshot = snapshot
	}

	if err := s.msgRepo.Create(ctx, msg); err != nil {
		return nil, err
	}

	if conv.IsDirect() {
		metrics.MessagesSent.WithLabelValues("direct").Inc()
	} else {
		metrics.MessagesSent.WithLabelValues("group").Inc()
	}

	s.updateSummaries(ctx, conv, msg)
	s.dispatcher.DispatchMessage(msg)

	s.logger.Debug("Message sent",
		"msgId", msg.Id,
		"conversationId", conv.Id,
		"senderId", senderId)
	return msg, nil
}

// resolveConversation 定位目标会话，必要时自动创建单聊
func (s *MessageService) resolveConversation(ctx context.Context, senderId int64, in *SendInput) (*model.Conversation, error) {
	if in.ConversationId > 0 {
		return s.convRepo.GetByID(ctx, in.ConversationId)
	}
	if in.ToUserId > 0 {
		return s.convSvc.CreateDirect(ctx, senderId, in.ToUserId)
	}
	return nil, apperrors.ErrInvalidParams
}

// buildReplySnapshot 冗余一份被回复消息的摘要
// 原消息之后被撤回也不影响回复的占位展示
func (s *MessageService) buildReplySnapshot(ctx context.Context, convId, replyTo int64) (*model.ReplySnapshot, error) {
	origin, err := s.msgRepo.GetByID(ctx, replyTo)
	if err != nil {
		return nil, err
	}
	if origin.ConversationId != convId {
		return nil, apperrors.ErrMessageNotFound
	}

	return &model.ReplySnapshot{
		MessageId: origin.Id,
		SenderId:  origin.SenderId,
		MsgType:   origin.MsgType,
		Content:   truncateOnRune(origin.Content, snapshotPreview),
	}, nil
}

// truncateOnRune 按字节上限截断，多字节字符不会被截成半个
func truncateOnRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// updateSummaries 更新会话快照与各成员的未读视图
func (s *MessageService) updateSummaries(ctx context.Context, conv *model.Conversation, msg *model.Message) {
	last := &model.LastMessage{
		Content:   msg.Content,
		MsgType:   msg.MsgType,
		SenderId:  msg.SenderId,
		CreatedAt: msg.CreatedAt,
	}
	if _, err := s.convRepo.UpdateSummary(ctx, conv.Id, msg.Id, last, msg.CreatedAt); err != nil {
		s.logger.Warn("Failed to update conversation summary",
			"conversationId", conv.Id, "error", err)
	}

	if err := s.summary.TouchForSender(ctx, msg.SenderId, conv.Id, msg.Id); err != nil {
		s.logger.Warn("Failed to update sender summary",
			"conversationId", conv.Id, "error", err)
	}

	members := conv.Members
	if conv.IsDirect() {
		members = []int64{conv.CreatorId, conv.ReceiverId}
	}
	recipients := make([]int64, 0, len(members))
	for _, id := range members {
		if id != msg.SenderId {
			recipients = append(recipients, id)
		}
	}
	if err := s.summary.TouchForRecipients(ctx, recipients, msg.SenderId, conv.Id, msg.Id); err != nil {
		s.logger.Warn("Failed to update unread counters",
			"conversationId", conv.Id, "error", err)
	}
}

// FetchHistory 拉取历史消息，最新在前
// cursor 为 nil 时从当前时间开始；游标是严格早于语义，翻页不重不漏
func (s *MessageService) FetchHistory(ctx context.Context, actorId, convId int64, cursor *HistoryCursor, limit int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if cursor == nil {
		cursor = &HistoryCursor{CreatedAt: time.Now().Add(time.Second), Id: math.MaxInt64}
	}

	conv, err := s.convRepo.GetByID(ctx, convId)
	if err != nil {
		return nil, err
	}
	if err := permission.Decide(actorId, permission.ActionGet, 0, conv); err != nil {
		return nil, err
	}

	messages, err := s.msgRepo.ListBefore(ctx, convId, cursor.CreatedAt, cursor.Id, limit, actorId, conv.DeletedForAllAt)
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{Messages: messages}
	if len(messages) == limit {
		oldest := messages[len(messages)-1]
		page.NextCursor = &HistoryCursor{CreatedAt: oldest.CreatedAt, Id: oldest.Id}
	}
	return page, nil
}

// Recall 撤回消息（仅发送者本人）
func (s *MessageService) Recall(ctx context.Context, actorId, msgId int64) error {
	msg, err := s.msgRepo.GetByID(ctx, msgId)
	if err != nil {
		return err
	}
	if msg.SenderId != actorId {
		return apperrors.ErrForbidden.WithMessage("只能撤回自己发送的消息")
	}
	if msg.Recalled {
		return apperrors.ErrAlreadyRecalled
	}

	if err := s.msgRepo.SetRecalled(ctx, msgId); err != nil {
		return err
	}

	s.dispatcher.DispatchGroupChange(proto.EventMessageRecalled, msg.ConversationId, actorId, nil, snowflake.Int64ToString(msgId))
	return nil
}

// DeleteForUser 单方删除消息，仅对操作者隐藏，幂等
func (s *MessageService) DeleteForUser(ctx context.Context, actorId, msgId int64) error {
	msg, err := s.msgRepo.GetByID(ctx, msgId)
	if err != nil {
		return err
	}
	if err := s.requireAccess(ctx, actorId, msg.ConversationId); err != nil {
		return err
	}
	return s.msgRepo.HideForUser(ctx, msgId, actorId)
}

// Pin 置顶/取消置顶消息（会话级，所有成员可见）
func (s *MessageService) Pin(ctx context.Context, actorId, msgId int64, pinned bool) error {
	msg, err := s.msgRepo.GetByID(ctx, msgId)
	if err != nil {
		return err
	}
	conv, err := s.convRepo.GetByID(ctx, msg.ConversationId)
	if err != nil {
		return err
	}
	if err := permission.Decide(actorId, permission.ActionPinMessage, 0, conv); err != nil {
		return err
	}

	if err := s.msgRepo.SetPinned(ctx, msgId, pinned, time.Now()); err != nil {
		return err
	}

	s.dispatcher.DispatchGroupChange(proto.EventMessagePinned, msg.ConversationId, actorId, nil, snowflake.Int64ToString(msgId))
	return nil
}

// ListPinned 获取会话置顶消息
func (s *MessageService) ListPinned(ctx context.Context, actorId, convId int64) ([]*model.Message, error) {
	if err := s.requireAccess(ctx, actorId, convId); err != nil {
		return nil, err
	}
	return s.msgRepo.ListPinned(ctx, convId)
}

// React 对消息表态；每人一条，重复表态覆盖，空串表示撤销
func (s *MessageService) React(ctx context.Context, actorId, msgId int64, reaction string) error {
	reaction = strings.TrimSpace(reaction)
	if len(reaction) > maxReactionLen {
		return apperrors.ErrInvalidParams
	}

	msg, err := s.msgRepo.GetByID(ctx, msgId)
	if err != nil {
		return err
	}
	if err := s.requireMembership(ctx, actorId, msg.ConversationId); err != nil {
		return err
	}

	if reaction == "" {
		err = s.msgRepo.RemoveReaction(ctx, msgId, actorId)
	} else {
		err = s.msgRepo.UpsertReaction(ctx, msgId, actorId, reaction, time.Now())
	}
	if err != nil {
		return err
	}

	s.dispatcher.DispatchGroupChange(proto.EventReaction, msg.ConversationId, actorId, nil, reaction)
	return nil
}

// MarkDelivered 上报送达回执，重复上报保留最早时间
func (s *MessageService) MarkDelivered(ctx context.Context, userId, msgId int64) error {
	msg, err := s.msgRepo.GetByID(ctx, msgId)
	if err != nil {
		return err
	}
	if err := s.requireAccess(ctx, userId, msg.ConversationId); err != nil {
		return err
	}
	return s.msgRepo.MarkDelivered(ctx, msgId, userId, time.Now())
}

// MarkConversationRead 会话已读上报
// 写最后一条的已读回执，同时清零 Redis 未读数
func (s *MessageService) MarkConversationRead(ctx context.Context, userId, convId, lastReadMsgId int64) error {
	if err := s.requireAccess(ctx, userId, convId); err != nil {
		return err
	}

	if lastReadMsgId > 0 {
		msg, err := s.msgRepo.GetByID(ctx, lastReadMsgId)
		if err != nil {
			return err
		}
		if msg.ConversationId != convId {
			return apperrors.ErrMessageNotFound
		}
		if err := s.msgRepo.MarkRead(ctx, lastReadMsgId, userId, time.Now()); err != nil {
			return err
		}
	}

	return s.summary.MarkRead(ctx, userId, convId, lastReadMsgId)
}

// VotePoll 投票
// 在会话行锁内改写投票载荷，并发投票串行化；
// 单选投票重投会把票从旧选项挪到新选项
func (s *MessageService) VotePoll(ctx context.Context, actorId, msgId int64, optionIdx int) error {
	msg, err := s.msgRepo.GetByID(ctx, msgId)
	if err != nil {
		return err
	}
	if msg.Poll == nil {
		return apperrors.ErrInvalidParams.WithMessage("该消息不是投票")
	}

	_, err = s.convRepo.Mutate(ctx, msg.ConversationId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionSend, 0, conv); err != nil {
			return err
		}

		// 行锁内重读，拿最新的计票
		current, err := s.msgRepo.GetByID(ctx, msgId)
		if err != nil {
			return err
		}
		poll := current.Poll
		if poll == nil || optionIdx < 0 || optionIdx >= len(poll.Options) {
			return apperrors.ErrInvalidParams
		}

		if !poll.Multiple {
			for i := range poll.Options {
				poll.Options[i].Voters = removeId(poll.Options[i].Voters, actorId)
			}
		} else {
			poll.Options[optionIdx].Voters = removeId(poll.Options[optionIdx].Voters, actorId)
		}
		poll.Options[optionIdx].Voters = append(poll.Options[optionIdx].Voters, actorId)

		return s.msgRepo.UpdatePoll(ctx, msgId, poll)
	})
	if err != nil {
		return err
	}

	s.dispatcher.DispatchGroupChange(proto.EventPollUpdated, msg.ConversationId, actorId, nil, snowflake.Int64ToString(msgId))
	return nil
}

// requireAccess 读级访问：现任或前任成员
func (s *MessageService) requireAccess(ctx context.Context, userId, convId int64) error {
	conv, err := s.convRepo.GetByID(ctx, convId)
	if err != nil {
		return err
	}
	if err := permission.Decide(userId, permission.ActionGet, 0, conv); err != nil {
		return err
	}
	return nil
}

// requireMembership 写级访问：现任成员或单聊参与者
func (s *MessageService) requireMembership(ctx context.Context, userId, convId int64) error {
	conv, err := s.convRepo.GetByID(ctx, convId)
	if err != nil {
		return err
	}
	if conv.Deleted {
		return apperrors.ErrGroupDeleted
	}
	if err := permission.Decide(userId, permission.ActionSend, 0, conv); err != nil {
		return err
	}
	return nil
}

func validateSendInput(in *SendInput) error {
	if in == nil {
		return apperrors.ErrInvalidParams
	}
	if len(in.Content) > maxContentLen {
		return apperrors.ErrInvalidParams.WithMessage("消息内容过长")
	}
	if in.Content == "" && len(in.Attachments) == 0 && in.Poll == nil {
		return apperrors.ErrInvalidParams.WithMessage("消息内容不能为空")
	}
	switch in.MsgType {
	case model.MessageTypeText, model.MessageTypeImage, model.MessageTypeVideo,
		model.MessageTypeFile, model.MessageTypeComposite:
	default:
		return apperrors.ErrInvalidParams.WithMessage("未知消息类型")
	}
	if in.Poll != nil && len(in.Poll.Options) < 2 {
		return apperrors.ErrInvalidParams.WithMessage("投票至少需要两个选项")
	}
	return nil
}

func removeId(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/internal/permission"
	"sudooom.im.messenger/internal/repository"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/snowflake"
)

const (
	minGroupMembers  = 3
	maxGroupNameLen  = 64
	avatarFolder     = "group-avatar"
	backgroundFolder = "group-background"
)

// ConversationService 会话服务
// 每个变更操作的流程固定：权限判定 -> 行锁事务 -> 通知流水 -> 事件分发；
// 权限在事务内按最新快照判定，避免检查与变更之间的竞态
type ConversationService struct {
	convRepo   *repository.ConversationRepository
	notifier   *NotificationService
	dispatcher *DispatcherService
	summary    *SummaryService
	directory  UserDirectory
	friends    FriendshipChecker
	storage    ObjectStorage
	idGen      *snowflake.Node
	logger     *slog.Logger
}

// NewConversationService 创建会话服务
func NewConversationService(
	convRepo *repository.ConversationRepository,
	notifier *NotificationService,
	dispatcher *DispatcherService,
	summary *SummaryService,
	directory UserDirectory,
	friends FriendshipChecker,
	storage ObjectStorage,
	idGen *snowflake.Node,
) *ConversationService {
	return &ConversationService{
		convRepo:   convRepo,
		notifier:   notifier,
		dispatcher: dispatcher,
		summary:    summary,
		directory:  directory,
		friends:    friends,
		storage:    storage,
		idGen:      idGen,
		logger:     slog.Default(),
	}
}

// CreateDirect 创建单聊会话
// 同一对用户只会有一个单聊：先查再建，并发撞上唯一索引后重查
func (s *ConversationService) CreateDirect(ctx context.Context, creatorId, receiverId int64) (*model.Conversation, error) {
	if creatorId == receiverId || receiverId <= 0 {
		return nil, apperrors.ErrInvalidParams
	}

	if _, err := s.directory.Lookup(ctx, receiverId); err != nil {
		return nil, err
	}

	ok, err := s.friends.AreFriends(ctx, creatorId, receiverId)
	if err != nil {
		return nil, apperrors.ErrDirectoryFailure.Wrap(err)
	}
	if !ok {
		return nil, apperrors.ErrNotFriends
	}

	conv, err := s.convRepo.FindDirectByPair(ctx, creatorId, receiverId)
	if err == nil {
		return conv, nil
	}
	if !apperrors.Is(err, apperrors.ErrConversationNotFound) {
		return nil, err
	}

	now := time.Now()
	conv = &model.Conversation{
		Id:         int64(s.idGen.Generate()),
		Kind:       model.KindDirect,
		CreatorId:  creatorId,
		ReceiverId: receiverId,
		LastChange: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.convRepo.Create(ctx, conv, nil); err != nil {
		// 并发创建同一对会话，输掉的一方直接复用先到的
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return s.convRepo.FindDirectByPair(ctx, creatorId, receiverId)
		}
		return nil, err
	}

	s.logger.Info("Direct conversation created",
		"conversationId", conv.Id,
		"creatorId", creatorId,
		"receiverId", receiverId)

	s.dispatcher.DispatchNewConversation(conv, []int64{creatorId, receiverId})
	return conv, nil
}

// CreateGroup 创建群聊会话
// 创建者自动入群并成为群主，去重后成员数必须不少于 3
func (s *ConversationService) CreateGroup(ctx context.Context, creatorId int64, name string, memberIds []int64) (*model.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxGroupNameLen {
		return nil, apperrors.ErrGroupNameInvalid
	}

	ids := dedupe(append([]int64{creatorId}, memberIds...))
	if len(ids) < minGroupMembers {
		return nil, apperrors.ErrTooFewMembers
	}

	for _, id := range ids {
		if id == creatorId {
			continue
		}
		if _, err := s.directory.Lookup(ctx, id); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	conv := &model.Conversation{
		Id:         int64(s.idGen.Generate()),
		Kind:       model.KindGroup,
		CreatorId:  creatorId,
		Name:       name,
		OwnerId:    creatorId,
		LastChange: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	members := make([]model.Member, 0, len(ids))
	for _, id := range ids {
		role := model.RoleMember
		if id == creatorId {
			role = model.RoleOwner
		}
		members = append(members, model.Member{
			ConversationId: conv.Id,
			UserId:         id,
			Role:           role,
			Status:         model.MemberStatusActive,
		})
	}

	if err := s.convRepo.Create(ctx, conv, members); err != nil {
		return nil, err
	}
	conv.Members = ids

	s.logger.Info("Group created",
		"conversationId", conv.Id,
		"creatorId", creatorId,
		"memberCount", len(ids))

	s.dispatcher.DispatchNewConversation(conv, ids)
	return conv, nil
}

// Get 获取会话详情
// 前成员也可读取，用于退群后的历史浏览
func (s *ConversationService) Get(ctx context.Context, actorId, convId int64) (*model.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, convId)
	if err != nil {
		return nil, err
	}
	if err := permission.Decide(actorId, permission.ActionGet, 0, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListForUser 列出用户当前参与的会话，作为房间订阅的许可集合
// 前成员不在其中，历史拉取由 FetchHistory 按会话逐一判权
func (s *ConversationService) ListForUser(ctx context.Context, userId int64) ([]int64, error) {
	return s.convRepo.ListByUser(ctx, userId)
}

// AddMember 拉人入群
// 前成员可恢复；黑名单成员由此操作顺带解除拉黑（等价于先 Unblock 再拉人）
func (s *ConversationService) AddMember(ctx context.Context, actorId, convId int64, targetIds []int64) (*model.Conversation, error) {
	targetIds = dedupe(targetIds)
	if len(targetIds) == 0 {
		return nil, apperrors.ErrInvalidParams
	}

	for _, id := range targetIds {
		if _, err := s.directory.Lookup(ctx, id); err != nil {
			return nil, err
		}
	}

	var unblocked []int64
	conv, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionAddMember, 0, conv); err != nil {
			return err
		}
		unblocked = nil
		for _, id := range targetIds {
			if conv.IsMember(id) {
				return apperrors.ErrAlreadyMember
			}
			if conv.IsBlocked(id) {
				unblocked = append(unblocked, id)
			}
			m := &model.Member{
				ConversationId: convId,
				UserId:         id,
				Role:           model.RoleMember,
				Status:         model.MemberStatusActive,
			}
			if err := s.convRepo.UpsertMemberTx(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, convId, model.NotificationAddMember, actorId, targetIds, "")
	if len(unblocked) > 0 {
		s.dispatcher.DispatchGroupChange(proto.EventUserUnblocked, convId, actorId, unblocked, "")
	}
	s.dispatcher.DispatchGroupChange(proto.EventMemberAdded, convId, actorId, targetIds, "")
	s.dispatcher.DispatchNewConversation(conv, targetIds)
	return conv, nil
}

// RemoveMember 移出群成员
func (s *ConversationService) RemoveMember(ctx context.Context, actorId, convId, targetId int64) (*model.Conversation, error) {
	if targetId == actorId {
		// 自己退群走 Leave
		return nil, apperrors.ErrInvalidParams
	}

	conv, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionRemoveMember, targetId, conv); err != nil {
			return err
		}
		if !conv.IsMember(targetId) {
			return apperrors.ErrMemberNotFound
		}
		return s.convRepo.SetMemberStatusTx(ctx, tx, convId, targetId, model.MemberStatusFormer)
	})
	if err != nil {
		return nil, err
	}

	if err := s.summary.Remove(ctx, targetId, convId); err != nil {
		s.logger.Warn("Failed to remove conversation summary", "userId", targetId, "error", err)
	}

	s.notify(ctx, convId, model.NotificationRemoveMember, actorId, []int64{targetId}, "")
	s.dispatcher.DispatchGroupChange(proto.EventMemberRemoved, convId, actorId, []int64{targetId}, "")
	return conv, nil
}

// Leave 主动退群
// 群主必须先转让群主身份才能退出
func (s *ConversationService) Leave(ctx context.Context, actorId, convId int64) error {
	_, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionLeave, 0, conv); err != nil {
			return err
		}
		return s.convRepo.SetMemberStatusTx(ctx, tx, convId, actorId, model.MemberStatusFormer)
	})
	if err != nil {
		return err
	}

	if err := s.summary.Remove(ctx, actorId, convId); err != nil {
		s.logger.Warn("Failed to remove conversation summary", "userId", actorId, "error", err)
	}

	s.notify(ctx, convId, model.NotificationLeaveGroup, actorId, nil, "")
	s.dispatcher.DispatchGroupChange(proto.EventMemberRemoved, convId, actorId, []int64{actorId}, "")
	return nil
}

// SetCoOwners 设置副群主（仅群主）
func (s *ConversationService) SetCoOwners(ctx context.Context, actorId, convId int64, targetIds []int64) (*model.Conversation, error) {
	targetIds = dedupe(targetIds)
	if len(targetIds) == 0 {
		return nil, apperrors.ErrInvalidParams
	}

	conv, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionSetCoOwner, 0, conv); err != nil {
			return err
		}
		for _, id := range targetIds {
			if !conv.IsMember(id) {
				return apperrors.ErrMemberNotFound
			}
			if id == conv.OwnerId {
				return apperrors.ErrInvalidParams.WithMessage("群主不能被设为副群主")
			}
			if conv.IsCoOwner(id) {
				return apperrors.ErrAlreadyRole
			}
			if err := s.convRepo.SetMemberRoleTx(ctx, tx, convId, id, model.RoleCoOwner); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, convId, model.NotificationSetCoOwner, actorId, targetIds, "")
	s.dispatcher.DispatchGroupChange(proto.EventCoOwnerSet, convId, actorId, targetIds, "")
	return conv, nil
}

// RemoveCoOwner 撤销副群主（仅群主）
func (s *ConversationService) RemoveCoOwner(ctx context.Context, actorId, convId, targetId int64) (*model.Conversation, error) {
	conv, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionRemoveCoOwner, targetId, conv); err != nil {
			return err
		}
		if !conv.IsCoOwner(targetId) {
			return apperrors.ErrAlreadyRole.WithMessage("用户不是副群主")
		}
		return s.convRepo.SetMemberRoleTx(ctx, tx, convId, targetId, model.RoleMember)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, convId, model.NotificationRemoveCoOwner, actorId, []int64{targetId}, "")
	s.dispatcher.DispatchGroupChange(proto.EventCoOwnerRemoved, convId, actorId, []int64{targetId}, "")
	return conv, nil
}

// TransferOwnership 转让群主（仅群主，目标必须是在群成员）
func (s *ConversationService) TransferOwnership(ctx context.Context, actorId, convId, targetId int64) (*model.Conversation, error) {
	if targetId == actorId {
		return nil, apperrors.ErrInvalidParams
	}

	conv, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionTransferOwner, targetId, conv); err != nil {
			return err
		}
		if !conv.IsMember(targetId) {
			return apperrors.ErrMemberNotFound
		}
		if err := s.convRepo.SetOwnerTx(ctx, tx, convId, targetId); err != nil {
			return err
		}
		// 新群主不再占用副群主名额，旧群主降为普通成员
		if conv.IsCoOwner(targetId) {
			if err := s.convRepo.SetMemberRoleTx(ctx, tx, convId, targetId, model.RoleMember); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, convId, model.NotificationSetOwner, actorId, []int64{targetId}, "")
	s.dispatcher.DispatchGroupChange(proto.EventOwnerChanged, convId, actorId, []int64{targetId}, "")
	return conv, nil
}

// Block 拉黑成员
// 被拉黑用户立刻离群，且在解除拉黑前不能被重新拉入
func (s *ConversationService) Block(ctx context.Context, actorId, convId, targetId int64) (*model.Conversation, error) {
	conv, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionBlock, targetId, conv); err != nil {
			return err
		}
		if conv.IsBlocked(targetId) {
			return apperrors.ErrAlreadyBlocked
		}
		if !conv.IsMember(targetId) && !conv.IsFormerMember(targetId) {
			return apperrors.ErrMemberNotFound
		}
		return s.convRepo.SetMemberStatusTx(ctx, tx, convId, targetId, model.MemberStatusBlocked)
	})
	if err != nil {
		return nil, err
	}

	if err := s.summary.Remove(ctx, targetId, convId); err != nil {
		s.logger.Warn("Failed to remove conversation summary", "userId", targetId, "error", err)
	}

	s.dispatcher.DispatchGroupChange(proto.EventUserBlocked, convId, actorId, []int64{targetId}, "")
	return conv, nil
}

// Unblock 解除拉黑，用户转为前成员，可被再次拉入
func (s *ConversationService) Unblock(ctx context.Context, actorId, convId, targetId int64) (*model.Conversation, error) {
	conv, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionUnblock, targetId, conv); err != nil {
			return err
		}
		if !conv.IsBlocked(targetId) {
			return apperrors.ErrNotBlocked
		}
		return s.convRepo.SetMemberStatusTx(ctx, tx, convId, targetId, model.MemberStatusFormer)
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.DispatchGroupChange(proto.EventUserUnblocked, convId, actorId, []int64{targetId}, "")
	return conv, nil
}

// Rename 修改群名
func (s *ConversationService) Rename(ctx context.Context, actorId, convId int64, name string) (*model.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxGroupNameLen {
		return nil, apperrors.ErrGroupNameInvalid
	}

	conv, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionRename, 0, conv); err != nil {
			return err
		}
		return s.convRepo.UpdateProfileTx(ctx, tx, convId, &name, nil, nil)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, convId, model.NotificationRename, actorId, nil, name)
	s.dispatcher.DispatchGroupChange(proto.EventGroupRenamed, convId, actorId, nil, name)
	return conv, nil
}

// SetAvatar 上传并设置群头像
// 图片先上传到对象存储，落库失败时删掉刚上传的资产
func (s *ConversationService) SetAvatar(ctx context.Context, actorId, convId int64, data []byte) (*model.Conversation, error) {
	if len(data) == 0 {
		return nil, apperrors.ErrInvalidParams
	}

	assetId, url, err := s.storage.Upload(ctx, data, avatarFolder)
	if err != nil {
		return nil, apperrors.ErrStorageFailure.Wrap(err)
	}

	conv, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionSetAvatar, 0, conv); err != nil {
			return err
		}
		return s.convRepo.UpdateProfileTx(ctx, tx, convId, nil, &url, nil)
	})
	if err != nil {
		s.compensateUpload(ctx, assetId)
		return nil, err
	}

	s.notify(ctx, convId, model.NotificationAvatarChange, actorId, nil, url)
	s.dispatcher.DispatchGroupChange(proto.EventGroupAvatarChange, convId, actorId, nil, url)
	return conv, nil
}

// SetBackground 上传并设置群背景，data 为空表示清除背景
func (s *ConversationService) SetBackground(ctx context.Context, actorId, convId int64, data []byte) (*model.Conversation, error) {
	var assetId string
	var background *string
	if len(data) > 0 {
		id, url, err := s.storage.Upload(ctx, data, backgroundFolder)
		if err != nil {
			return nil, apperrors.ErrStorageFailure.Wrap(err)
		}
		assetId = id
		background = &url
	}

	conv, err := s.mutateGroup(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if err := permission.Decide(actorId, permission.ActionSetBackground, 0, conv); err != nil {
			return err
		}
		return s.convRepo.UpdateProfileTx(ctx, tx, convId, nil, nil, &background)
	})
	if err != nil {
		s.compensateUpload(ctx, assetId)
		return nil, err
	}

	value := ""
	if background != nil {
		value = *background
	}
	s.notify(ctx, convId, model.NotificationBackgroundChange, actorId, nil, value)
	s.dispatcher.DispatchGroupChange(proto.EventBackgroundChange, convId, actorId, nil, value)
	return conv, nil
}

// DeleteGroup 解散群（仅群主，幂等）
// 会话与消息均不物理删除：消息按解散时间点截断，之后对所有人不可见
func (s *ConversationService) DeleteGroup(ctx context.Context, actorId, convId int64) error {
	var already bool
	conv, err := s.convRepo.Mutate(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if conv.IsDirect() {
			return apperrors.ErrNotGroupOperation
		}
		if conv.Deleted {
			// 解散后成员行已全部转为前成员，按群主指针判权
			if conv.OwnerId != actorId {
				return apperrors.ErrOwnerOnly
			}
			already = true
			return nil
		}
		if err := permission.Decide(actorId, permission.ActionDeleteGroup, 0, conv); err != nil {
			return err
		}
		deleted, err := s.convRepo.MarkDeletedTx(ctx, tx, convId, time.Now())
		if err != nil {
			return err
		}
		if !deleted {
			already = true
			return nil
		}
		return s.convRepo.RemoveAllMembersTx(ctx, tx, convId)
	})
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	for _, userId := range append(conv.Members, conv.FormerMembers...) {
		if err := s.summary.Remove(ctx, userId, convId); err != nil {
			s.logger.Warn("Failed to remove conversation summary", "userId", userId, "error", err)
		}
	}

	s.notify(ctx, convId, model.NotificationDeleteGroup, actorId, nil, "")
	s.dispatcher.DispatchGroupChange(proto.EventGroupDeleted, convId, actorId, nil, "")
	return nil
}

// PinConversation 置顶/取消置顶会话（用户私有视图）
func (s *ConversationService) PinConversation(ctx context.Context, userId, convId int64, pinned bool) error {
	conv, err := s.convRepo.GetByID(ctx, convId)
	if err != nil {
		return err
	}
	if err := permission.Decide(userId, permission.ActionGet, 0, conv); err != nil {
		return err
	}
	return s.summary.SetPinned(ctx, userId, convId, pinned)
}

// MuteConversation 静音/取消静音会话（用户私有视图）
func (s *ConversationService) MuteConversation(ctx context.Context, userId, convId int64, muted bool) error {
	conv, err := s.convRepo.GetByID(ctx, convId)
	if err != nil {
		return err
	}
	if err := permission.Decide(userId, permission.ActionGet, 0, conv); err != nil {
		return err
	}
	return s.summary.SetMuted(ctx, userId, convId, muted)
}

// mutateGroup 群变更公共包装：拒绝单聊与已解散的群
func (s *ConversationService) mutateGroup(ctx context.Context, convId int64, fn func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error) (*model.Conversation, error) {
	return s.convRepo.Mutate(ctx, convId, func(ctx context.Context, tx pgx.Tx, conv *model.Conversation) error {
		if conv.IsDirect() {
			return apperrors.ErrNotGroupOperation
		}
		if conv.Deleted {
			return apperrors.ErrGroupDeleted
		}
		return fn(ctx, tx, conv)
	})
}

// notify 下发群管理通知，持久化失败降级为日志告警，不影响操作本身
func (s *ConversationService) notify(ctx context.Context, convId int64, notifyType model.NotificationType, actorId int64, targetIds []int64, content string) {
	if err := s.notifier.Notify(ctx, convId, notifyType, actorId, targetIds, content); err != nil {
		s.logger.Warn("Failed to persist notification",
			"conversationId", convId,
			"type", notifyType,
			"error", err)
	}
}

// compensateUpload 回滚失败后删除已上传的资产
func (s *ConversationService) compensateUpload(ctx context.Context, assetId string) {
	if assetId == "" {
		return
	}
	if err := s.storage.Destroy(ctx, assetId); err != nil {
		s.logger.Warn("Failed to destroy orphaned asset", "assetId", assetId, "error", err)
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

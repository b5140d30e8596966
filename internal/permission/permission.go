package permission

import (
	"sudooom.im.messenger/internal/model"
	apperrors "sudooom.im.messenger/pkg/errors"
)

// Action 群管理/会话操作
type Action string

const (
	ActionGet           Action = "get"
	ActionSend          Action = "send"
	ActionAddMember     Action = "add-member"
	ActionRemoveMember  Action = "remove-member"
	ActionLeave         Action = "leave"
	ActionBlock         Action = "block"
	ActionUnblock       Action = "unblock"
	ActionSetCoOwner    Action = "set-co-owner"
	ActionRemoveCoOwner Action = "remove-co-owner"
	ActionTransferOwner Action = "transfer-owner"
	ActionRename        Action = "rename"
	ActionSetAvatar     Action = "set-avatar"
	ActionSetBackground Action = "set-background"
	ActionDeleteGroup   Action = "delete-group"
	ActionPinMessage    Action = "pin-message"
)

// groupOnly 仅对群聊有意义的操作
var groupOnly = map[Action]bool{
	ActionAddMember:     true,
	ActionRemoveMember:  true,
	ActionLeave:         true,
	ActionBlock:         true,
	ActionUnblock:       true,
	ActionSetCoOwner:    true,
	ActionRemoveCoOwner: true,
	ActionTransferOwner: true,
	ActionRename:        true,
	ActionSetAvatar:     true,
	ActionSetBackground: true,
	ActionDeleteGroup:   true,
}

// Decide 判定 actor 能否对会话执行指定操作
// 纯函数，无副作用；target 为操作目标用户，无目标的操作传 0
// 返回 nil 表示允许，否则返回拒绝原因
func Decide(actorId int64, action Action, targetId int64, conv *model.Conversation) *apperrors.AppError {
	if conv.IsDirect() {
		return decideDirect(actorId, action, conv)
	}
	return decideGroup(actorId, action, targetId, conv)
}

// decideDirect 单聊规则：只有两个参与者可操作，角色概念不适用
func decideDirect(actorId int64, action Action, conv *model.Conversation) *apperrors.AppError {
	if !conv.IsParticipant(actorId) {
		return apperrors.ErrNotParticipant
	}
	if groupOnly[action] {
		return apperrors.ErrNotGroupOperation
	}
	return nil
}

// decideGroup 群聊规则，按优先级依次判定：
//  1. 读操作对现任和前任成员开放（历史可见性）
//  2. 其余操作要求现任成员身份
//  3. 角色严格有序：owner > co-owner > member
func decideGroup(actorId int64, action Action, targetId int64, conv *model.Conversation) *apperrors.AppError {
	if action == ActionGet {
		if conv.IsMember(actorId) || conv.IsFormerMember(actorId) {
			return nil
		}
		return apperrors.ErrNotMember
	}

	if !conv.IsMember(actorId) {
		return apperrors.ErrNotMember
	}
	actorRole := conv.RoleOf(actorId)

	switch action {
	case ActionSend, ActionPinMessage:
		return nil

	case ActionRename, ActionSetAvatar, ActionSetBackground:
		// 普通成员也可修改群资料
		return nil

	case ActionLeave:
		// 群主必须先转让，否则会破坏 owner ∈ members 不变式
		if actorRole == model.RoleOwner {
			return apperrors.ErrForbidden
		}
		return nil

	case ActionDeleteGroup, ActionSetCoOwner, ActionRemoveCoOwner, ActionTransferOwner:
		if actorRole != model.RoleOwner {
			return apperrors.ErrOwnerOnly
		}
		return nil

	case ActionAddMember, ActionUnblock:
		if actorRole < model.RoleCoOwner {
			return apperrors.ErrForbidden
		}
		return nil

	case ActionRemoveMember, ActionBlock:
		if actorRole < model.RoleCoOwner {
			return apperrors.ErrForbidden
		}
		// 副群主不能移除/拉黑群主或其他副群主
		targetRole := conv.RoleOf(targetId)
		if targetRole >= actorRole && actorId != targetId {
			return apperrors.ErrTargetProtected
		}
		if targetRole == model.RoleOwner {
			return apperrors.ErrTargetProtected
		}
		return nil

	default:
		return apperrors.ErrForbidden
	}
}

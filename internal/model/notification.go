package model

import "time"

// NotificationType 群管理系统通知类型（封闭枚举）
type NotificationType string

const (
	NotificationAddMember        NotificationType = "add-member"
	NotificationRemoveMember     NotificationType = "remove-member"
	NotificationLeaveGroup       NotificationType = "leave-group"
	NotificationSetOwner         NotificationType = "set-owner"
	NotificationSetCoOwner       NotificationType = "set-co-owner"
	NotificationRemoveCoOwner    NotificationType = "remove-co-owner"
	NotificationRename           NotificationType = "rename"
	NotificationAvatarChange     NotificationType = "avatar-change"
	NotificationBackgroundChange NotificationType = "background-change"
	NotificationDeleteGroup      NotificationType = "delete-group"
)

// Valid 是否为合法通知类型
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationAddMember, NotificationRemoveMember, NotificationLeaveGroup,
		NotificationSetOwner, NotificationSetCoOwner, NotificationRemoveCoOwner,
		NotificationRename, NotificationAvatarChange, NotificationBackgroundChange,
		NotificationDeleteGroup:
		return true
	}
	return false
}

// SystemNotification 群管理审计通知
type SystemNotification struct {
	Id             int64            `json:"id"`
	ConversationId int64            `json:"conversationId"`
	Type           NotificationType `json:"type"`
	ActorId        int64            `json:"actorId"`
	TargetIds      []int64          `json:"targetIds,omitempty"`
	Content        string           `json:"content"`
	ReadBy         []int64          `json:"readBy,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

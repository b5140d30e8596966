package proto

import "encoding/json"

// ============== 会话房间事件 (Logic -> 各节点 -> 房间内连接) ==============

// 事件名，与客户端约定的封闭集合
const (
	EventNewMessage        = "newMessage"
	EventNewConversation   = "newConversation"
	EventMemberAdded       = "memberAdded"
	EventMemberRemoved     = "memberRemoved"
	EventOwnerChanged      = "ownerChanged"
	EventCoOwnerSet        = "coOwnerSet"
	EventCoOwnerRemoved    = "coOwnerRemoved"
	EventUserBlocked       = "userBlocked"
	EventUserUnblocked     = "userUnblocked"
	EventGroupRenamed      = "groupRenamed"
	EventGroupAvatarChange = "groupAvatarChanged"
	EventBackgroundChange  = "backgroundChanged"
	EventGroupDeleted      = "groupDeleted"
	EventNotification      = "notification"
	EventMessageRecalled   = "messageRecalled"
	EventMessagePinned     = "messagePinned"
	EventReaction          = "reaction"
	EventPollUpdated       = "pollUpdated"
)

// RoomEvent 推送到会话房间的事件封装
// 经 NATS 广播，各节点收到后只投递给本节点上订阅了该会话的连接
type RoomEvent struct {
	Event          string          `json:"Event"`
	ConversationId int64           `json:"ConversationId"`
	Payload        json.RawMessage `json:"Payload,omitempty"`
	Timestamp      int64           `json:"Timestamp"`
}

// UserEvent 按用户直投的事件（如新会话邀请，目标用户尚未加入房间）
type UserEvent struct {
	Event     string          `json:"Event"`
	UserId    int64           `json:"UserId"`
	Payload   json.RawMessage `json:"Payload,omitempty"`
	Timestamp int64           `json:"Timestamp"`
}

// GroupChange 群管理事件载荷
type GroupChange struct {
	ConversationId int64   `json:"conversationId"`
	ActorId        int64   `json:"actorId"`
	TargetIds      []int64 `json:"targetIds,omitempty"`
	Value          string  `json:"value,omitempty"` // 新群名/头像/背景等
}

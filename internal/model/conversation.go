package model

import "time"

// ConversationKind 会话类型
type ConversationKind int

const (
	KindDirect ConversationKind = 1 // 单聊
	KindGroup  ConversationKind = 2 // 群聊
)

// Role 群成员角色
type Role int

const (
	RoleMember  Role = 0 // 普通成员
	RoleCoOwner Role = 1 // 副群主
	RoleOwner   Role = 2 // 群主
)

// MemberStatus 成员状态
type MemberStatus int

const (
	MemberStatusActive  MemberStatus = 0 // 在群
	MemberStatusFormer  MemberStatus = 1 // 已退出/被移除
	MemberStatusBlocked MemberStatus = 2 // 已拉黑
)

// LastMessage 会话上的最后一条消息快照（冗余字段，避免列表页扫描消息历史）
type LastMessage struct {
	Content   string      `json:"content"`
	MsgType   MessageType `json:"msgType"`
	SenderId  int64       `json:"senderId"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Member 会话成员
type Member struct {
	ConversationId int64        `json:"conversationId"`
	UserId         int64        `json:"userId"`
	Role           Role         `json:"role"`
	Status         MemberStatus `json:"status"`
	JoinedAt       time.Time    `json:"joinedAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Conversation 会话实体
// 单聊只有 CreatorId/ReceiverId 两个参与者；
// 群聊的成员、角色集合由 conversation_members 投影得到
type Conversation struct {
	Id         int64            `json:"id"`
	Kind       ConversationKind `json:"kind"`
	CreatorId  int64            `json:"creatorId"`
	ReceiverId int64            `json:"receiverId,omitempty"` // 仅单聊
	Name       string           `json:"name,omitempty"`       // 仅群聊
	Avatar     string           `json:"avatar,omitempty"`
	Background *string          `json:"background,omitempty"` // nil 表示未设置，区别于显式清空为 ""

	OwnerId       int64   `json:"ownerId,omitempty"`
	Members       []int64 `json:"members,omitempty"`       // status = active
	CoOwnerIds    []int64 `json:"coOwnerIds,omitempty"`    // role = coowner 且 active
	FormerMembers []int64 `json:"formerMembers,omitempty"` // status = former
	Blocked       []int64 `json:"blocked,omitempty"`       // status = blocked

	LastMessageId int64        `json:"lastMessageId,omitempty"`
	LastMessage   *LastMessage `json:"lastMessage,omitempty"`
	LastChange    time.Time    `json:"lastChange"`

	Deleted         bool       `json:"deleted"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty"`
	DeletedForAllAt *time.Time `json:"-"` // 解散群时所有消息的删除截止点

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsDirect 是否单聊
func (c *Conversation) IsDirect() bool {
	return c.Kind == KindDirect
}

// IsParticipant 是否单聊参与者
func (c *Conversation) IsParticipant(userId int64) bool {
	return userId == c.CreatorId || userId == c.ReceiverId
}

// IsMember 是否在群成员中
func (c *Conversation) IsMember(userId int64) bool {
	return containsId(c.Members, userId)
}

// IsCoOwner 是否副群主
func (c *Conversation) IsCoOwner(userId int64) bool {
	return containsId(c.CoOwnerIds, userId)
}

// IsFormerMember 是否曾经是成员
func (c *Conversation) IsFormerMember(userId int64) bool {
	return containsId(c.FormerMembers, userId)
}

// IsBlocked 是否在黑名单中
func (c *Conversation) IsBlocked(userId int64) bool {
	return containsId(c.Blocked, userId)
}

// RoleOf 返回用户在群中的角色，非在群成员返回 -1
func (c *Conversation) RoleOf(userId int64) Role {
	if userId == c.OwnerId {
		return RoleOwner
	}
	if c.IsCoOwner(userId) {
		return RoleCoOwner
	}
	if c.IsMember(userId) {
		return RoleMember
	}
	return Role(-1)
}

func containsId(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

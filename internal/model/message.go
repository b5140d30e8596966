package model

import "time"

// MessageType 消息类型
type MessageType int

const (
	MessageTypeText      MessageType = 1 // 文本
	MessageTypeImage     MessageType = 2 // 图片
	MessageTypeVideo     MessageType = 3 // 视频
	MessageTypeFile      MessageType = 4 // 文件
	MessageTypeComposite MessageType = 5 // 图文混合
)

// SendStatus 发送状态
type SendStatus int

const (
	SendStatusSending SendStatus = 0 // 发送中
	SendStatusSent    SendStatus = 1 // 已发送
	SendStatusError   SendStatus = 2 // 发送失败
)

// Attachment 附件元数据
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ReplySnapshot 被回复消息的快照
// 冗余存储，原消息被撤回后回复引用仍可展示占位内容
type ReplySnapshot struct {
	MessageId int64       `json:"messageId"`
	SenderId  int64       `json:"senderId"`
	MsgType   MessageType `json:"msgType"`
	Content   string      `json:"content"`
}

// Reaction 消息表态，每个用户最多一条，后写覆盖
type Reaction struct {
	UserId    int64     `json:"userId"`
	Reaction  string    `json:"reaction"`
	CreatedAt time.Time `json:"createdAt"`
}

// Receipt 送达/已读回执，每个用户最多一条
type Receipt struct {
	UserId      int64      `json:"userId"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

// PollOption 投票选项
type PollOption struct {
	Text   string  `json:"text"`
	Voters []int64 `json:"voters,omitempty"`
}

// Poll 投票载荷
type Poll struct {
	Question string       `json:"question"`
	Options  []PollOption `json:"options"`
	Multiple bool         `json:"multiple"`
}

// Message 消息实体
// 消息从不物理删除：撤回和按用户删除都只打标记，保证回复、置顶等下游引用不悬空
type Message struct {
	Id             int64        `json:"id"`
	ConversationId int64        `json:"conversationId"`
	SenderId       int64        `json:"senderId"`
	MsgType        MessageType  `json:"msgType"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Status         SendStatus   `json:"status"`

	Recalled  bool    `json:"recalled"`
	HiddenFor []int64 `json:"-"` // 对这些用户隐藏（按用户删除）

	ReplyTo       *int64         `json:"replyTo,omitempty"`
	ReplySnapshot *ReplySnapshot `json:"replySnapshot,omitempty"`

	Pinned   bool       `json:"pinned"`
	PinnedAt *time.Time `json:"pinnedAt,omitempty"`

	Reactions []Reaction `json:"reactions,omitempty"`
	Receipts  []Receipt  `json:"receipts,omitempty"`

	Poll *Poll `json:"poll,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// HiddenForUser 消息是否对指定用户隐藏
func (m *Message) HiddenForUser(userId int64) bool {
	return containsId(m.HiddenFor, userId)
}

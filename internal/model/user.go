package model

// UserProfile 用户资料（来自外部用户目录，本服务不存储）
type UserProfile struct {
	Id       int64  `json:"id"`
	Fullname string `json:"fullname"`
	Phone    string `json:"phone"`
	Avatar   string `json:"avatar"`
}

// ConversationSummary 用户视角的会话摘要（存储在 Redis）
type ConversationSummary struct {
	ConversationId int64 `json:"conversationId"`
	LastMsgID      int64 `json:"lastMsgId"`      // 最后一条消息ID
	LastReadMsgID  int64 `json:"lastReadMsgId"`  // 最后已读消息ID
	UnreadCount    int   `json:"unreadCount"`    // 未读数
	IsPinned       bool  `json:"isPinned"`       // 是否置顶
	IsMuted        bool  `json:"isMuted"`        // 是否静音
	UpdateAt       int64 `json:"updateAt"`       // 更新时间（毫秒）
}

package proto

// ============== 客户端上行帧 (Client -> 节点) ==============

// AuthRequest 首帧认证请求
type AuthRequest struct {
	Token    string `json:"token"`
	DeviceId string `json:"deviceId"`
	Platform string `json:"platform"`
}

// AuthResponse 认证响应
type AuthResponse struct {
	Code    int    `json:"code"`
	UserId  int64  `json:"user_id,omitempty"`
	Message string `json:"message"`
}

// JoinRequest 订阅会话房间请求
// 语义为替换：先退出当前连接已加入的全部房间，再加入给定集合
type JoinRequest struct {
	ConversationIds []int64 `json:"conversationIds"`
}

// JoinResponse 订阅结果
type JoinResponse struct {
	Code    int     `json:"code"`
	Joined  []int64 `json:"joined,omitempty"`
	Message string  `json:"message,omitempty"`
}

// SendRequest 发送消息请求
type SendRequest struct {
	ClientMsgId    string `json:"clientMsgId"`
	ConversationId int64  `json:"conversationId,omitempty"`
	ToUserId       int64  `json:"toUserId,omitempty"` // 首次单聊时会话尚不存在，按接收者创建
	MsgType        int    `json:"msgType"`
	Content        string `json:"content"`
	ReplyTo        int64  `json:"replyTo,omitempty"`
}

// SendAck 消息落库确认
type SendAck struct {
	ClientMsgId    string `json:"clientMsgId"`
	ServerMsgId    int64  `json:"serverMsgId"`
	ConversationId int64  `json:"conversationId"`
	Code           int    `json:"code"`
	Message        string `json:"message,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// MarkReadRequest 会话已读上报
type MarkReadRequest struct {
	ConversationId int64 `json:"conversationId"`
	LastReadMsgId  int64 `json:"lastReadMsgId"`
}

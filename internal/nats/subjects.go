package nats

// NATS Subject 常量定义
const (
	// SubjectConversationPush 会话事件广播
	// 所有节点订阅，收到后只投递给本节点上加入了该会话房间的连接
	SubjectConversationPush = "im.push.conversation"

	// SubjectUserPush 用户级事件广播（不经会话房间，按用户直投）
	SubjectUserPush = "im.push.user"
)

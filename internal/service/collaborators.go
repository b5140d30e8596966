package service

import (
	"context"

	"sudooom.im.messenger/internal/model"
)

// UserDirectory 外部用户目录
// 账号资料由独立服务维护，这里只做存在性校验和资料读取
type UserDirectory interface {
	Lookup(ctx context.Context, userId int64) (*model.UserProfile, error)
}

// FriendshipChecker 外部好友关系服务
// 首次发起单聊前校验接收方隐私设置
type FriendshipChecker interface {
	AreFriends(ctx context.Context, userA, userB int64) (bool, error)
}

// ObjectStorage 外部对象存储
// 群头像、背景图等资产的上传与补偿删除
type ObjectStorage interface {
	Upload(ctx context.Context, data []byte, folder string) (assetId string, url string, err error)
	Destroy(ctx context.Context, assetId string) error
}

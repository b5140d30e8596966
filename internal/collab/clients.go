// Package collab 外部协作服务的 HTTP 客户端
// 用户目录、好友关系和对象存储由独立服务提供，这里只做薄封装
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"sudooom.im.messenger/internal/config"
	"sudooom.im.messenger/internal/model"
	apperrors "sudooom.im.messenger/pkg/errors"
)

const defaultTimeout = 5 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// DirectoryClient 用户目录客户端
type DirectoryClient struct {
	baseURL string
	client  *http.Client
}

// NewDirectoryClient 创建用户目录客户端
func NewDirectoryClient(cfg config.CollabConfig) *DirectoryClient {
	return &DirectoryClient{
		baseURL: cfg.UserAPI,
		client:  newHTTPClient(cfg.Timeout),
	}
}

// Lookup 查询用户资料，用户不存在返回 ErrUserNotFound
func (c *DirectoryClient) Lookup(ctx context.Context, userId int64) (*model.UserProfile, error) {
	endpoint := fmt.Sprintf("%s/internal/users/%d", c.baseURL, userId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.ErrDirectoryFailure.Wrap(err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.ErrDirectoryFailure.Wrap(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, apperrors.ErrUserNotFound
	default:
		return nil, apperrors.ErrDirectoryFailure.WithMessage(
			fmt.Sprintf("用户目录返回 %d", resp.StatusCode))
	}

	var profile model.UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, apperrors.ErrDirectoryFailure.Wrap(err)
	}
	return &profile, nil
}

// FriendshipClient 好友关系客户端
type FriendshipClient struct {
	baseURL string
	client  *http.Client
}

// NewFriendshipClient 创建好友关系客户端
func NewFriendshipClient(cfg config.CollabConfig) *FriendshipClient {
	return &FriendshipClient{
		baseURL: cfg.FriendAPI,
		client:  newHTTPClient(cfg.Timeout),
	}
}

// AreFriends 检查两个用户是否互为好友
func (c *FriendshipClient) AreFriends(ctx context.Context, userA, userB int64) (bool, error) {
	endpoint := fmt.Sprintf("%s/internal/friends/check?a=%d&b=%d", c.baseURL, userA, userB)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("friend service returned %d", resp.StatusCode)
	}

	var result struct {
		Friends bool `json:"friends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.Friends, nil
}

// StorageClient 对象存储客户端
type StorageClient struct {
	baseURL string
	client  *http.Client
}

// NewStorageClient 创建对象存储客户端
func NewStorageClient(cfg config.CollabConfig) *StorageClient {
	return &StorageClient{
		baseURL: cfg.StorageAPI,
		client:  newHTTPClient(cfg.Timeout),
	}
}

// Upload 上传资产，返回资产 ID 和访问 URL
func (c *StorageClient) Upload(ctx context.Context, data []byte, folder string) (string, string, error) {
	endpoint := fmt.Sprintf("%s/internal/assets?folder=%s", c.baseURL, url.QueryEscape(folder))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("storage service returned %d", resp.StatusCode)
	}

	var result struct {
		AssetId string `json:"assetId"`
		URL     string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", err
	}
	return result.AssetId, result.URL, nil
}

// Destroy 删除资产（上传后落库失败时的补偿清理）
func (c *StorageClient) Destroy(ctx context.Context, assetId string) error {
	endpoint := fmt.Sprintf("%s/internal/assets/%s", c.baseURL, url.PathEscape(assetId))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("storage service returned %d", resp.StatusCode)
	}
	return nil
}

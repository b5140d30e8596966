package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/pkg/snowflake"
)

type fakeNotificationStore struct {
	created   []*model.SystemNotification
	createErr error
	readCalls []int64
}

func (f *fakeNotificationStore) Create(ctx context.Context, n *model.SystemNotification) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, n)
	return nil
}

func (f *fakeNotificationStore) ListByConversation(ctx context.Context, convId int64, limit int) ([]*model.SystemNotification, error) {
	if limit < len(f.created) {
		return f.created[:limit], nil
	}
	return f.created, nil
}

func (f *fakeNotificationStore) MarkRead(ctx context.Context, notificationId, userId int64) error {
	f.readCalls = append(f.readCalls, notificationId)
	return nil
}

// fakeSummaryFolder 模拟 last_change 守卫：仅当通知时间更新才推进
type fakeSummaryFolder struct {
	lastChange map[int64]time.Time
	err        error
}

func newFakeSummaryFolder() *fakeSummaryFolder {
	return &fakeSummaryFolder{lastChange: make(map[int64]time.Time)}
}

func (f *fakeSummaryFolder) AdvanceLastChange(ctx context.Context, convId int64, at time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if !at.After(f.lastChange[convId]) {
		return false, nil
	}
	f.lastChange[convId] = at
	return true, nil
}

func newTestNotificationService(store notificationStore, folder summaryFolder) *NotificationService {
	idGen, _ := snowflake.NewNode(1)
	return NewNotificationService(store, folder, nil, idGen)
}

func TestNotificationService_Notify(t *testing.T) {
	store := &fakeNotificationStore{}
	folder := newFakeSummaryFolder()
	svc := newTestNotificationService(store, folder)

	if err := svc.Notify(context.Background(), 5001, model.NotificationAddMember, 1001, []int64{1002}, ""); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("Expected 1 persisted notification, got %d", len(store.created))
	}
	n := store.created[0]
	if n.ConversationId != 5001 || n.Type != model.NotificationAddMember || n.ActorId != 1001 {
		t.Errorf("Unexpected notification: %+v", n)
	}
	if n.Id == 0 {
		t.Error("Expected generated notification id")
	}
	if folder.lastChange[5001].IsZero() {
		t.Error("Expected summary fold to advance last_change")
	}
}

func TestNotificationService_NotifyPersistFailure(t *testing.T) {
	// 持久化失败不折叠、不广播，错误作为警告返回给调用方
	store := &fakeNotificationStore{createErr: errors.New("db down")}
	folder := newFakeSummaryFolder()
	svc := newTestNotificationService(store, folder)

	if err := svc.Notify(context.Background(), 5001, model.NotificationRename, 1001, nil, "new name"); err == nil {
		t.Error("Expected persist failure to surface as a warning")
	}

	if len(store.created) != 0 {
		t.Errorf("Expected no persisted notifications, got %d", len(store.created))
	}
	if !folder.lastChange[5001].IsZero() {
		t.Error("Fold should not run when persist fails")
	}
}

func TestNotificationService_FoldMonotonic(t *testing.T) {
	// 乱序折叠：旧事件不能回退 last_change
	folder := newFakeSummaryFolder()
	ctx := context.Background()

	later := time.Now()
	earlier := later.Add(-time.Minute)

	advanced, err := folder.AdvanceLastChange(ctx, 5001, later)
	if err != nil || !advanced {
		t.Fatalf("Expected first fold to advance, got advanced=%v err=%v", advanced, err)
	}

	advanced, err = folder.AdvanceLastChange(ctx, 5001, earlier)
	if err != nil {
		t.Fatalf("AdvanceLastChange failed: %v", err)
	}
	if advanced {
		t.Error("Older event must not fold over a newer one")
	}
	if !folder.lastChange[5001].Equal(later) {
		t.Errorf("Expected last_change %v, got %v", later, folder.lastChange[5001])
	}
}

func TestNotificationService_NotifyFoldFailure(t *testing.T) {
	// 折叠失败仅记日志，通知本身仍持久化
	store := &fakeNotificationStore{}
	folder := newFakeSummaryFolder()
	folder.err = errors.New("db down")
	svc := newTestNotificationService(store, folder)

	if err := svc.Notify(context.Background(), 5001, model.NotificationRemoveMember, 1001, []int64{1002}, ""); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("Expected 1 persisted notification, got %d", len(store.created))
	}
}

func TestNotificationService_List(t *testing.T) {
	store := &fakeNotificationStore{}
	svc := newTestNotificationService(store, newFakeSummaryFolder())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.Notify(ctx, 5001, model.NotificationAddMember, 1001, []int64{int64(2000 + i)}, "")
	}

	got, err := svc.List(ctx, 5001, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 notifications, got %d", len(got))
	}

	// 非法 limit 回落到默认值
	got, err = svc.List(ctx, 5001, -1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 notifications with default limit, got %d", len(got))
	}
}

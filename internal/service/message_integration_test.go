package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.messenger/internal/model"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
)

// sendText 发一条文本消息
func (e *testEnv) sendText(t *testing.T, senderId, convId int64, content string) *model.Message {
	t.Helper()
	msg, err := e.msgSvc.Send(context.Background(), senderId, &SendInput{
		ConversationId: convId,
		MsgType:        model.MessageTypeText,
		Content:        content,
	})
	require.NoError(t, err)
	return msg
}

func TestIntegration_SendMessage(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, memberIds := env.setupGroup(t)

	msg := env.sendText(t, ownerId, conv.Id, "hello group")
	assert.NotZero(t, msg.Id)
	assert.Equal(t, model.SendStatusSent, msg.Status)

	// 会话快照随消息前移
	got, err := env.convSvc.Get(ctx, ownerId, conv.Id)
	require.NoError(t, err)
	assert.Equal(t, msg.Id, got.LastMessageId)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "hello group", got.LastMessage.Content)

	// 接收者有未读，发送者没有
	unread, err := env.summary.GetTotalUnreadCount(ctx, memberIds[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	senderUnread, err := env.summary.GetTotalUnreadCount(ctx, ownerId)
	require.NoError(t, err)
	assert.Equal(t, int64(0), senderUnread)

	// 发送者自己的会话列表同样前移到这条消息
	senderSummaries, err := env.summary.GetUserSummaries(ctx, ownerId, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, senderSummaries)
	assert.Equal(t, conv.Id, senderSummaries[0].ConversationId)
	assert.Equal(t, msg.Id, senderSummaries[0].LastMsgID)
	assert.Zero(t, senderSummaries[0].UnreadCount)

	// 非成员不能发言
	_, err = env.msgSvc.Send(ctx, env.newUserId(), &SendInput{
		ConversationId: conv.Id,
		MsgType:        model.MessageTypeText,
		Content:        "intruder",
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotMember))
}

func TestIntegration_SendMessage_AutoCreateDirect(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	alice := env.newUserId()
	bob := env.newUserId()

	// 会话不存在时按接收者自动建立单聊
	msg, err := env.msgSvc.Send(ctx, alice, &SendInput{
		ToUserId: bob,
		MsgType:  model.MessageTypeText,
		Content:  "first contact",
	})
	require.NoError(t, err)
	defer env.cleanupConversation(t, msg.ConversationId)

	conv, err := env.convSvc.Get(ctx, bob, msg.ConversationId)
	require.NoError(t, err)
	assert.True(t, conv.IsDirect())

	// 后续消息复用同一会话
	again, err := env.msgSvc.Send(ctx, bob, &SendInput{
		ToUserId: alice,
		MsgType:  model.MessageTypeText,
		Content:  "reply",
	})
	require.NoError(t, err)
	assert.Equal(t, msg.ConversationId, again.ConversationId)
}

func TestIntegration_SendMessage_Validation(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, _ := env.setupGroup(t)

	cases := []struct {
		name string
		in   *SendInput
	}{
		{"空内容", &SendInput{ConversationId: conv.Id, MsgType: model.MessageTypeText}},
		{"未知类型", &SendInput{ConversationId: conv.Id, MsgType: 99, Content: "x"}},
		{"超长内容", &SendInput{ConversationId: conv.Id, MsgType: model.MessageTypeText,
			Content: string(make([]byte, maxContentLen+1))}},
		{"单选项投票", &SendInput{ConversationId: conv.Id, MsgType: model.MessageTypeText,
			Poll: &model.Poll{Question: "q", Options: []model.PollOption{{Text: "only"}}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.msgSvc.Send(ctx, ownerId, tc.in)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams), "got %v", err)
		})
	}
}

func TestIntegration_FetchHistory_Paging(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, _ := env.setupGroup(t)

	for i := 0; i < 5; i++ {
		env.sendText(t, ownerId, conv.Id, fmt.Sprintf("msg-%d", i))
		time.Sleep(5 * time.Millisecond) // 错开创建时间
	}

	// 第一页：最新在前
	page, err := env.msgSvc.FetchHistory(ctx, ownerId, conv.Id, nil, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "msg-4", page.Messages[0].Content)
	assert.Equal(t, "msg-3", page.Messages[1].Content)

	// 翻页不重不漏
	page2, err := env.msgSvc.FetchHistory(ctx, ownerId, conv.Id, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Messages, 2)
	assert.Equal(t, "msg-2", page2.Messages[0].Content)
	assert.Equal(t, "msg-1", page2.Messages[1].Content)

	page3, err := env.msgSvc.FetchHistory(ctx, ownerId, conv.Id, page2.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page3.Messages, 1)
	assert.Equal(t, "msg-0", page3.Messages[0].Content)
	assert.Nil(t, page3.NextCursor, "末页不应有游标")
}

func TestIntegration_FetchHistory_SameTimestamp(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, _ := env.setupGroup(t)

	// 同一时间戳落五条消息，页边界落在同戳消息中间
	at := time.Now().Truncate(time.Millisecond)
	var ids []int64
	for i := 0; i < 5; i++ {
		msg := &model.Message{
			Id:             int64(env.idGen.Generate()),
			ConversationId: conv.Id,
			SenderId:       ownerId,
			MsgType:        model.MessageTypeText,
			Content:        fmt.Sprintf("burst-%d", i),
			Status:         model.SendStatusSent,
			CreatedAt:      at,
		}
		require.NoError(t, env.msgRepo.Create(ctx, msg))
		ids = append(ids, msg.Id)
	}

	var got []int64
	var cursor *HistoryCursor
	for {
		page, err := env.msgSvc.FetchHistory(ctx, ownerId, conv.Id, cursor, 2)
		require.NoError(t, err)
		for _, m := range page.Messages {
			got = append(got, m.Id)
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}

	// 全部取回，雪花 ID 倒序，不重不漏
	require.Len(t, got, len(ids))
	seen := make(map[int64]bool, len(got))
	for i, id := range got {
		assert.False(t, seen[id], "消息 %d 重复出现", id)
		seen[id] = true
		if i > 0 {
			assert.Greater(t, got[i-1], id, "应按 ID 倒序")
		}
	}
	assert.Equal(t, ids[4], got[0])
	assert.Equal(t, ids[0], got[len(got)-1])
}

func TestIntegration_RecallMessage(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, memberIds := env.setupGroup(t)
	msg := env.sendText(t, ownerId, conv.Id, "oops")

	// 只有发送者本人能撤回
	err := env.msgSvc.Recall(ctx, memberIds[0], msg.Id)
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))

	require.NoError(t, env.msgSvc.Recall(ctx, ownerId, msg.Id))

	// 重复撤回
	err = env.msgSvc.Recall(ctx, ownerId, msg.Id)
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyRecalled))

	// 撤回是标记，不是删除：历史里仍能看到这条
	page, err := env.msgSvc.FetchHistory(ctx, memberIds[0], conv.Id, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].Recalled)
}

func TestIntegration_ReplySnapshot(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, memberIds := env.setupGroup(t)
	origin := env.sendText(t, ownerId, conv.Id, "original text")

	reply, err := env.msgSvc.Send(ctx, memberIds[0], &SendInput{
		ConversationId: conv.Id,
		MsgType:        model.MessageTypeText,
		Content:        "re: that",
		ReplyTo:        origin.Id,
	})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplySnapshot)
	assert.Equal(t, origin.Id, reply.ReplySnapshot.MessageId)
	assert.Equal(t, "original text", reply.ReplySnapshot.Content)

	// 原消息撤回后快照不受影响
	require.NoError(t, env.msgSvc.Recall(ctx, ownerId, origin.Id))
	page, err := env.msgSvc.FetchHistory(ctx, memberIds[0], conv.Id, nil, 10)
	require.NoError(t, err)
	require.NotNil(t, page.Messages[0].ReplySnapshot)
	assert.Equal(t, "original text", page.Messages[0].ReplySnapshot.Content)

	// 跨会话回复被拒
	other, _, _ := env.setupGroup(t)
	otherMsg := env.sendText(t, ownerId, other.Id, "elsewhere")
	_, err = env.msgSvc.Send(ctx, ownerId, &SendInput{
		ConversationId: conv.Id,
		MsgType:        model.MessageTypeText,
		Content:        "bad reply",
		ReplyTo:        otherMsg.Id,
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrMessageNotFound))
}

func TestIntegration_DeleteForUser(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, memberIds := env.setupGroup(t)
	msg := env.sendText(t, ownerId, conv.Id, "visible to some")

	require.NoError(t, env.msgSvc.DeleteForUser(ctx, memberIds[0], msg.Id))
	// 幂等
	require.NoError(t, env.msgSvc.DeleteForUser(ctx, memberIds[0], msg.Id))

	// 删除者看不到，其他人照常
	page, err := env.msgSvc.FetchHistory(ctx, memberIds[0], conv.Id, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)

	page, err = env.msgSvc.FetchHistory(ctx, memberIds[1], conv.Id, nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestIntegration_PinMessage(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, memberIds := env.setupGroup(t)
	msg := env.sendText(t, ownerId, conv.Id, "important")

	require.NoError(t, env.msgSvc.Pin(ctx, memberIds[0], msg.Id, true))

	pinned, err := env.msgSvc.ListPinned(ctx, memberIds[1], conv.Id)
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	assert.Equal(t, msg.Id, pinned[0].Id)

	require.NoError(t, env.msgSvc.Pin(ctx, ownerId, msg.Id, false))
	pinned, err = env.msgSvc.ListPinned(ctx, ownerId, conv.Id)
	require.NoError(t, err)
	assert.Empty(t, pinned)
}

func TestIntegration_Reactions(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, memberIds := env.setupGroup(t)
	msg := env.sendText(t, ownerId, conv.Id, "react to me")

	require.NoError(t, env.msgSvc.React(ctx, memberIds[0], msg.Id, "👍"))
	// 重复表态覆盖
	require.NoError(t, env.msgSvc.React(ctx, memberIds[0], msg.Id, "❤️"))
	require.NoError(t, env.msgSvc.React(ctx, memberIds[1], msg.Id, "👍"))

	page, err := env.msgSvc.FetchHistory(ctx, ownerId, conv.Id, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)

	reactions := page.Messages[0].Reactions
	require.Len(t, reactions, 2, "每人最多一条表态")
	byUser := map[int64]string{}
	for _, r := range reactions {
		byUser[r.UserId] = r.Reaction
	}
	assert.Equal(t, "❤️", byUser[memberIds[0]])
	assert.Equal(t, "👍", byUser[memberIds[1]])

	// 空串撤销表态
	require.NoError(t, env.msgSvc.React(ctx, memberIds[1], msg.Id, ""))
	page, _ = env.msgSvc.FetchHistory(ctx, ownerId, conv.Id, nil, 10)
	assert.Len(t, page.Messages[0].Reactions, 1)
}

func TestIntegration_Receipts(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, memberIds := env.setupGroup(t)
	msg := env.sendText(t, ownerId, conv.Id, "delivered?")
	reader := memberIds[0]

	require.NoError(t, env.msgSvc.MarkDelivered(ctx, reader, msg.Id))
	require.NoError(t, env.msgSvc.MarkConversationRead(ctx, reader, conv.Id, msg.Id))

	page, err := env.msgSvc.FetchHistory(ctx, ownerId, conv.Id, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Len(t, page.Messages[0].Receipts, 1)

	receipt := page.Messages[0].Receipts[0]
	require.NotNil(t, receipt.DeliveredAt)
	require.NotNil(t, receipt.ReadAt)
	firstDelivered := *receipt.DeliveredAt

	// 重复上报保留最早时间
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, env.msgSvc.MarkDelivered(ctx, reader, msg.Id))

	page, _ = env.msgSvc.FetchHistory(ctx, ownerId, conv.Id, nil, 10)
	assert.True(t, page.Messages[0].Receipts[0].DeliveredAt.Equal(firstDelivered),
		"送达时间不应被重复上报改写")

	// 未读数清零
	unread, err := env.summary.GetTotalUnreadCount(ctx, reader)
	require.NoError(t, err)
	assert.Equal(t, int64(0), unread)

	// 已读上报的消息必须属于该会话
	other, _, _ := env.setupGroup(t)
	otherMsg := env.sendText(t, ownerId, other.Id, "elsewhere")
	err = env.msgSvc.MarkConversationRead(ctx, reader, conv.Id, otherMsg.Id)
	assert.True(t, apperrors.Is(err, apperrors.ErrMessageNotFound))
}

func TestIntegration_VotePoll(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, memberIds := env.setupGroup(t)

	msg, err := env.msgSvc.Send(ctx, ownerId, &SendInput{
		ConversationId: conv.Id,
		MsgType:        model.MessageTypeText,
		Content:        "lunch?",
		Poll: &model.Poll{
			Question: "where to eat",
			Options:  []model.PollOption{{Text: "noodles"}, {Text: "rice"}},
		},
	})
	require.NoError(t, err)

	voter := memberIds[0]
	require.NoError(t, env.msgSvc.VotePoll(ctx, voter, msg.Id, 0))

	// 单选重投：票从旧选项挪到新选项
	require.NoError(t, env.msgSvc.VotePoll(ctx, voter, msg.Id, 1))

	page, err := env.msgSvc.FetchHistory(ctx, ownerId, conv.Id, nil, 10)
	require.NoError(t, err)
	require.NotNil(t, page.Messages[0].Poll)

	poll := page.Messages[0].Poll
	assert.Empty(t, poll.Options[0].Voters)
	assert.Equal(t, []int64{voter}, poll.Options[1].Voters)

	// 非法选项
	err = env.msgSvc.VotePoll(ctx, voter, msg.Id, 5)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))

	// 非投票消息
	plain := env.sendText(t, ownerId, conv.Id, "not a poll")
	err = env.msgSvc.VotePoll(ctx, voter, plain.Id, 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))

	// 投票事件已推送
	assert.Greater(t, env.publisher.roomEventCount(proto.EventPollUpdated), 0)
}

func TestIntegration_DeletedGroupHidesHistory(t *testing.T) {
	env := setupServiceTest(t)
	defer env.teardown()
	ctx := context.Background()

	conv, ownerId, memberIds := env.setupGroup(t)
	env.sendText(t, ownerId, conv.Id, "before delete")

	require.NoError(t, env.convSvc.DeleteGroup(ctx, ownerId, conv.Id))

	// 解散群后发言被拒
	_, err := env.msgSvc.Send(ctx, memberIds[0], &SendInput{
		ConversationId: conv.Id,
		MsgType:        model.MessageTypeText,
		Content:        "too late",
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrGroupDeleted))

	// 解散前的消息对所有人截断
	page, err := env.msgSvc.FetchHistory(ctx, memberIds[0], conv.Id, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

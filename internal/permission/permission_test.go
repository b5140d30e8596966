package permission

import (
	"testing"

	"sudooom.im.messenger/internal/model"
	apperrors "sudooom.im.messenger/pkg/errors"
)

const (
	owner    = int64(1)
	coOwner  = int64(2)
	coOwner2 = int64(3)
	member   = int64(4)
	member2  = int64(5)
	former   = int64(6)
	blocked  = int64(7)
	outsider = int64(8)
)

func testGroup() *model.Conversation {
	return &model.Conversation{
		Id:            100,
		Kind:          model.KindGroup,
		CreatorId:     owner,
		OwnerId:       owner,
		Members:       []int64{owner, coOwner, coOwner2, member, member2},
		CoOwnerIds:    []int64{coOwner, coOwner2},
		FormerMembers: []int64{former, blocked},
		Blocked:       []int64{blocked},
	}
}

func testDirect() *model.Conversation {
	return &model.Conversation{
		Id:         200,
		Kind:       model.KindDirect,
		CreatorId:  owner,
		ReceiverId: member,
	}
}

// 角色 × 操作 × 目标角色 全组合判定表
func TestDecide_GroupMatrix(t *testing.T) {
	tests := []struct {
		name    string
		actor   int64
		action  Action
		target  int64
		allowed bool
	}{
		// get: 现任与前任成员可读，外人不可
		{"owner get", owner, ActionGet, 0, true},
		{"member get", member, ActionGet, 0, true},
		{"former get", former, ActionGet, 0, true},
		{"blocked former get", blocked, ActionGet, 0, true},
		{"outsider get", outsider, ActionGet, 0, false},

		// send
		{"owner send", owner, ActionSend, 0, true},
		{"member send", member, ActionSend, 0, true},
		{"former send", former, ActionSend, 0, false},
		{"outsider send", outsider, ActionSend, 0, false},

		// add member: owner 或 co-owner
		{"owner add", owner, ActionAddMember, outsider, true},
		{"coowner add", coOwner, ActionAddMember, outsider, true},
		{"member add", member, ActionAddMember, outsider, false},
		{"former add", former, ActionAddMember, outsider, false},

		// remove member
		{"owner removes member", owner, ActionRemoveMember, member, true},
		{"owner removes coowner", owner, ActionRemoveMember, coOwner, true},
		{"coowner removes member", coOwner, ActionRemoveMember, member, true},
		{"coowner removes owner", coOwner, ActionRemoveMember, owner, false},
		{"coowner removes coowner", coOwner, ActionRemoveMember, coOwner2, false},
		{"member removes member", member, ActionRemoveMember, member2, false},
		{"owner removes self", owner, ActionRemoveMember, owner, false},

		// block
		{"owner blocks member", owner, ActionBlock, member, true},
		{"owner blocks coowner", owner, ActionBlock, coOwner, true},
		{"coowner blocks member", coOwner, ActionBlock, member, true},
		{"coowner blocks coowner", coOwner, ActionBlock, coOwner2, false},
		{"coowner blocks owner", coOwner, ActionBlock, owner, false},
		{"member blocks member", member, ActionBlock, member2, false},

		// unblock / re-add blocked: owner 或 co-owner
		{"owner unblock", owner, ActionUnblock, blocked, true},
		{"coowner unblock", coOwner, ActionUnblock, blocked, true},
		{"member unblock", member, ActionUnblock, blocked, false},

		// owner-only
		{"owner delete group", owner, ActionDeleteGroup, 0, true},
		{"coowner delete group", coOwner, ActionDeleteGroup, 0, false},
		{"member delete group", member, ActionDeleteGroup, 0, false},
		{"owner set coowner", owner, ActionSetCoOwner, member, true},
		{"coowner set coowner", coOwner, ActionSetCoOwner, member, false},
		{"owner remove coowner", owner, ActionRemoveCoOwner, coOwner, true},
		{"coowner remove coowner", coOwner, ActionRemoveCoOwner, coOwner2, false},
		{"owner transfer", owner, ActionTransferOwner, member, true},
		{"coowner transfer", coOwner, ActionTransferOwner, member, false},
		{"member transfer", member, ActionTransferOwner, member2, false},

		// 群资料：所有现任成员
		{"owner rename", owner, ActionRename, 0, true},
		{"member rename", member, ActionRename, 0, true},
		{"former rename", former, ActionRename, 0, false},
		{"member set avatar", member, ActionSetAvatar, 0, true},
		{"member set background", member, ActionSetBackground, 0, true},
		{"outsider rename", outsider, ActionRename, 0, false},

		// leave: 群主必须先转让
		{"member leave", member, ActionLeave, 0, true},
		{"coowner leave", coOwner, ActionLeave, 0, true},
		{"owner leave", owner, ActionLeave, 0, false},
		{"former leave", former, ActionLeave, 0, false},

		// pin message
		{"member pin message", member, ActionPinMessage, 0, true},
		{"outsider pin message", outsider, ActionPinMessage, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := testGroup()
			err := Decide(tt.actor, tt.action, tt.target, conv)
			if tt.allowed && err != nil {
				t.Errorf("Expected allowed, got denial: %v", err)
			}
			if !tt.allowed && err == nil {
				t.Error("Expected denial, got allowed")
			}
		})
	}
}

func TestDecide_Direct(t *testing.T) {
	conv := testDirect()

	// 参与者可读可发
	for _, uid := range []int64{owner, member} {
		if err := Decide(uid, ActionGet, 0, conv); err != nil {
			t.Errorf("Participant %d should read direct conversation: %v", uid, err)
		}
		if err := Decide(uid, ActionSend, 0, conv); err != nil {
			t.Errorf("Participant %d should send in direct conversation: %v", uid, err)
		}
	}

	// 非参与者一律拒绝
	if err := Decide(outsider, ActionGet, 0, conv); !apperrors.Is(err, apperrors.ErrNotParticipant) {
		t.Errorf("Expected ErrNotParticipant, got %v", err)
	}

	// 群管理操作对单聊无意义
	groupActions := []Action{
		ActionAddMember, ActionRemoveMember, ActionBlock, ActionUnblock,
		ActionSetCoOwner, ActionRemoveCoOwner, ActionTransferOwner,
		ActionRename, ActionSetAvatar, ActionSetBackground, ActionDeleteGroup, ActionLeave,
	}
	for _, action := range groupActions {
		if err := Decide(owner, action, member, conv); !apperrors.Is(err, apperrors.ErrNotGroupOperation) {
			t.Errorf("Action %s on direct conversation: expected ErrNotGroupOperation, got %v", action, err)
		}
	}
}

// 拒绝原因与群规模无关
func TestDecide_CoOwnerProtectionAnySize(t *testing.T) {
	conv := testGroup()
	conv.Members = append(conv.Members, 100, 101, 102, 103)

	if err := Decide(coOwner, ActionRemoveMember, owner, conv); !apperrors.Is(err, apperrors.ErrTargetProtected) {
		t.Errorf("Expected ErrTargetProtected, got %v", err)
	}
	if err := Decide(coOwner, ActionRemoveMember, coOwner2, conv); !apperrors.Is(err, apperrors.ErrTargetProtected) {
		t.Errorf("Expected ErrTargetProtected, got %v", err)
	}
}

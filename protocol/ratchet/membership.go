package ratchet

import (
	"context"
	"fmt"

	"chatroom-e2ee/common"
	"chatroom-e2ee/configs"
	"chatroom-e2ee/store"
)

// Membership answers whether a user belongs to a conversation. Group and
// membership management live outside this package.
type Membership interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// StoreMembership reads chatroomUsers/{conversation}/{user}.
type StoreMembership struct {
	store store.Store
}

var _ Membership = (*StoreMembership)(nil)

func NewStoreMembership(st store.Store) *StoreMembership {
	return &StoreMembership{store: st}
}

func memberPath(conversationID, userID string) string {
	return fmt.Sprintf(configs.ChatroomMembersPath, conversationID, userID)
}

// Add records userID as a member joining now.
func (m *StoreMembership) Add(ctx context.Context, conversationID, userID string) error {
	return m.store.Set(ctx, memberPath(conversationID, userID), common.Member{})
}

func (m *StoreMembership) Remove(ctx context.Context, conversationID, userID string) error {
	return m.store.Remove(ctx, memberPath(conversationID, userID))
}

func (m *StoreMembership) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	return m.store.Get(ctx, memberPath(conversationID, userID), nil)
}

// JoinedAt returns when the user joined, in milliseconds.
func (m *StoreMembership) JoinedAt(ctx context.Context, conversationID, userID string) (int64, bool, error) {
	var member common.Member
	found, err := m.store.Get(ctx, memberPath(conversationID, userID), &member)
	if err != nil || !found {
		return 0, false, err
	}
	return member.JoinedAt.Int64(), true, nil
}

package service

import (
	"context"
	"fmt"
	"sync"

	"attach_server/server/common/infra/dbman"
)

// MembershipChecker answers whether a user currently belongs to a conversation.
// Implementations must answer from a single consistent read.
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

const membershipCheckPath = dbman.BasePath + "/rooms/members/check"

// DBManMembership asks the dbman replicas, which own the room membership tables.
type DBManMembership struct {
	client *dbman.Client
}

func NewDBManMembership(client *dbman.Client) *DBManMembership {
	return &DBManMembership{client: client}
}

func (m *DBManMembership) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var resp struct {
		IsMember bool `json:"is_member"`
	}
	err := m.client.Post(ctx, membershipCheckPath, map[string]any{
		"room_id": conversationID,
		"user_id": userID,
	}, &resp)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return resp.IsMember, nil
}

// StaticMembership is an in-process membership set.
type StaticMembership struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

func NewStaticMembership() *StaticMembership {
	return &StaticMembership{members: map[string]map[string]struct{}{}}
}

func (m *StaticMembership) Add(conversationID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[conversationID]
	if !ok {
		set = map[string]struct{}{}
		m.members[conversationID] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
}

func (m *StaticMembership) Remove(conversationID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[conversationID], userID)
}

func (m *StaticMembership) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[conversationID][userID]
	return ok, nil
}

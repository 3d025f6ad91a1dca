package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attach_server/server/common/infra/dbman"
	"attach_server/server/fileman/domain"
)

func TestAccessGateDelete(t *testing.T) {
	members := NewStaticMembership()
	members.Add("c", "alice", "bob", "root")
	audit := &MemoryAuditSink{}
	gate := NewAccessGate(members, audit)
	blob := domain.Blob{ID: "b-1", ConversationID: "c", SenderID: "alice"}
	ctx := context.Background()

	assert.NoError(t, gate.AuthorizeDelete(ctx, alice, blob))
	assert.NoError(t, gate.AuthorizeDelete(ctx, admin, blob))
	assert.ErrorIs(t, gate.AuthorizeDelete(ctx, bob, blob), domain.ErrAuthorization)

	// the admin role does not stand in for membership
	outsider := admin
	outsider.UserID = "other-admin"
	assert.ErrorIs(t, gate.AuthorizeDelete(ctx, outsider, blob), domain.ErrAuthorization)

	events := audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, errNotOwner.Error(), events[0].Reason)
	assert.Equal(t, errNotMember.Error(), events[1].Reason)
	assert.Equal(t, "b-1", events[0].FileID)
}

func TestAccessGateUniformDenial(t *testing.T) {
	members := NewStaticMembership()
	members.Add("c", "alice")
	gate := NewAccessGate(members, &MemoryAuditSink{})
	ctx := context.Background()

	errs := []error{
		gate.AuthorizeRead(ctx, mallory, domain.Blob{ConversationID: "c"}),
		gate.AuthorizeUpload(ctx, alice, "c", "bob"),
		gate.AuthorizeDelete(ctx, mallory, domain.Blob{ConversationID: "c", SenderID: "mallory"}),
		gate.ConcealMissing(ctx, ActionDownload, alice, "missing"),
	}
	for _, err := range errs {
		var de *domain.Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, domain.KindAuthorization, de.Kind)
		assert.Equal(t, "access denied", de.Message)
		assert.Equal(t, errs[0].Error(), err.Error())
		assert.NotErrorIs(t, err, domain.ErrNotFound)
	}
}

type brokenMembership struct{}

func (brokenMembership) IsMember(context.Context, string, string) (bool, error) {
	return false, errors.New("dbman unreachable")
}

func TestAccessGateLookupFailureIsStoreError(t *testing.T) {
	gate := NewAccessGate(brokenMembership{}, &MemoryAuditSink{})
	err := gate.AuthorizeRead(context.Background(), alice, domain.Blob{ConversationID: "c"})
	assert.ErrorIs(t, err, domain.ErrStore)
}

func TestDBManMembership(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, membershipCheckPath, r.URL.Path)
		var req struct {
			RoomID string `json:"room_id"`
			UserID string `json:"user_id"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]bool{"is_member": req.RoomID == "c" && req.UserID == "alice"})
	}))
	defer srv.Close()

	m := NewDBManMembership(dbman.NewClient(dbman.Options{}, srv.URL))
	ok, err := m.IsMember(context.Background(), "c", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.IsMember(context.Background(), "c", "mallory")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMultiAuditSink(t *testing.T) {
	a, b := &MemoryAuditSink{}, &MemoryAuditSink{}
	sink := MultiAuditSink{a, b, LogAuditSink{}}
	sink.Record(context.Background(), AuditEvent{Action: ActionDelete, Outcome: OutcomeAllowed})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

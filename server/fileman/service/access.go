package service

import (
	"context"
	"errors"
	"time"

	commonauth "attach_server/server/common/auth"
	"attach_server/server/fileman/domain"
)

var (
	errNotMember      = errors.New("not a member of the conversation")
	errSenderMismatch = errors.New("sender does not match authenticated user")
	errNotOwner       = errors.New("only the sender or an admin may delete")
)

// AccessGate decides every write, read and delete against the live membership set.
// Callers only ever see a uniform access denied; the reason goes to the audit sink.
type AccessGate struct {
	members MembershipChecker
	audit   AuditSink
	now     func() time.Time
}

func NewAccessGate(members MembershipChecker, audit AuditSink) *AccessGate {
	if audit == nil {
		audit = LogAuditSink{}
	}
	return &AccessGate{members: members, audit: audit, now: time.Now}
}

// AuthorizeUpload admits the upload only when the declared sender is the caller and
// the caller currently belongs to the conversation.
func (g *AccessGate) AuthorizeUpload(ctx context.Context, who commonauth.Identity, conversationID, senderID string) error {
	if senderID != who.UserID {
		return g.deny(ctx, ActionUpload, who, conversationID, "", errSenderMismatch)
	}
	return g.requireMember(ctx, ActionUpload, who, conversationID, "")
}

func (g *AccessGate) AuthorizeRead(ctx context.Context, who commonauth.Identity, blob domain.Blob) error {
	return g.requireMember(ctx, ActionDownload, who, blob.ConversationID, blob.ID)
}

// AuthorizeDelete requires membership plus either authorship or the admin role.
func (g *AccessGate) AuthorizeDelete(ctx context.Context, who commonauth.Identity, blob domain.Blob) error {
	if err := g.requireMember(ctx, ActionDelete, who, blob.ConversationID, blob.ID); err != nil {
		return err
	}
	if blob.SenderID != who.UserID && !who.IsAdmin() {
		return g.deny(ctx, ActionDelete, who, blob.ConversationID, blob.ID, errNotOwner)
	}
	return nil
}

// AuthorizeConversation guards the conversation activity listing.
func (g *AccessGate) AuthorizeConversation(ctx context.Context, who commonauth.Identity, conversationID string) error {
	return g.requireMember(ctx, ActionAudit, who, conversationID, "")
}

// ConcealMissing reports an unknown id as access denied while recording the real reason.
func (g *AccessGate) ConcealMissing(ctx context.Context, action string, who commonauth.Identity, fileID string) error {
	g.audit.Record(ctx, AuditEvent{
		Action:  action,
		Outcome: OutcomeNotFound,
		Reason:  "unknown file id",
		FileID:  fileID,
		ActorID: who.UserID,
		At:      g.now().UTC(),
	})
	return domain.AccessDenied(nil)
}

func (g *AccessGate) requireMember(ctx context.Context, action string, who commonauth.Identity, conversationID, fileID string) error {
	if who.UserID == "" || conversationID == "" {
		return g.deny(ctx, action, who, conversationID, fileID, errNotMember)
	}
	ok, err := g.members.IsMember(ctx, conversationID, who.UserID)
	if err != nil {
		return domain.StoreFailure("membership lookup", err)
	}
	if !ok {
		return g.deny(ctx, action, who, conversationID, fileID, errNotMember)
	}
	return nil
}

func (g *AccessGate) deny(ctx context.Context, action string, who commonauth.Identity, conversationID, fileID string, cause error) error {
	g.audit.Record(ctx, AuditEvent{
		Action:         action,
		Outcome:        OutcomeDenied,
		Reason:         cause.Error(),
		FileID:         fileID,
		ConversationID: conversationID,
		ActorID:        who.UserID,
		At:             g.now().UTC(),
	})
	return domain.AccessDenied(nil)
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MembershipRepository answers membership questions from the conversation service's
// room_members table with a single read per check.
type MembershipRepository struct {
	pool *pgxpool.Pool
}

func NewMembershipRepository(pool *pgxpool.Pool) *MembershipRepository {
	return &MembershipRepository{pool: pool}
}

func (r *MembershipRepository) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM room_members
			WHERE room_id=$1 AND user_id=$2
		)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

package store

import (
	"context"
	"fmt"

	"copytrader/pkg/types"
)

// WalletsRepo reads the followed-user roster and its proxy wallets.
type WalletsRepo struct {
	db *DB
}

func NewWalletsRepo(db *DB) *WalletsRepo {
	return &WalletsRepo{db: db}
}

// ListEnabled returns every enabled followed user.
func (r *WalletsRepo) ListEnabled(ctx context.Context) ([]types.FollowedUser, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT id, profile_wallet, label, enabled FROM followed_user WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("list followed users: %w", err)
	}
	defer rows.Close()

	var out []types.FollowedUser
	for rows.Next() {
		var u types.FollowedUser
		var enabled int
		if err := rows.Scan(&u.ID, &u.ProfileWallet, &u.Label, &enabled); err != nil {
			return nil, fmt.Errorf("scan followed user: %w", err)
		}
		u.Enabled = enabled != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListProxyWallets returns every proxy wallet mapping.
func (r *WalletsRepo) ListProxyWallets(ctx context.Context) ([]types.FollowedUserProxyWallet, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT wallet, followed_user_id FROM followed_user_proxy_wallet`)
	if err != nil {
		return nil, fmt.Errorf("list proxy wallets: %w", err)
	}
	defer rows.Close()

	var out []types.FollowedUserProxyWallet
	for rows.Next() {
		var p types.FollowedUserProxyWallet
		if err := rows.Scan(&p.Wallet, &p.FollowedUserID); err != nil {
			return nil, fmt.Errorf("scan proxy wallet: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

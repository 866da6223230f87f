package sqlite

import (
	"context"
	"time"
)

// AcquireLease takes or extends the named lease for holder until now+ttl.
// It reports false while another holder's lease is unexpired. The upsert is a
// single statement, so two processes sharing the file cannot both win.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, expires_ms) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_ms = excluded.expires_ms
		 WHERE leases.holder = excluded.holder OR leases.expires_ms <= ?`,
		name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, unavailable("acquire lease "+name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("acquire lease "+name, err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	return unavailable("release lease "+name, err)
}

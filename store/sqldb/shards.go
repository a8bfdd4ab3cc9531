package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/google/uuid"
)

// GetActiveRevision returns the newest shard table revision.
func (s *Store) GetActiveRevision(ctx context.Context) (shard.Revision, error) {
	q := s.query(`SELECT id, number_of_shards, created_at FROM %s ORDER BY seq DESC LIMIT 1`, s.tables.RevisionsTable)

	var rev shard.Revision
	var createdAt int64
	err := s.db.QueryRowContext(ctx, q).Scan(&rev.ID, &rev.NumberOfShards, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return shard.Revision{}, store.ErrNoRevision
	}
	if err != nil {
		return shard.Revision{}, fmt.Errorf("failed to get active revision: %w", err)
	}
	rev.CreatedAt = time.Unix(0, createdAt)
	return rev, nil
}

// CreateRevision creates a new revision and makes it active.
func (s *Store) CreateRevision(ctx context.Context, numberOfShards int) (rev shard.Revision, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return shard.Revision{}, fmt.Errorf("failed to begin revision: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.query(`SELECT MAX(seq) FROM %s`, s.tables.RevisionsTable)).Scan(&seq); err != nil {
		return shard.Revision{}, fmt.Errorf("failed to read revision sequence: %w", err)
	}

	rev = shard.Revision{
		ID:             uuid.New().String(),
		NumberOfShards: numberOfShards,
		CreatedAt:      s.clock.Now(),
	}

	q := s.query(`INSERT INTO %s (id, seq, number_of_shards, created_at) VALUES (?, ?, ?, ?)`, s.tables.RevisionsTable)
	if _, err := tx.ExecContext(ctx, q, rev.ID, seq.Int64+1, rev.NumberOfShards, rev.CreatedAt.UnixNano()); err != nil {
		return shard.Revision{}, fmt.Errorf("failed to create revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return shard.Revision{}, fmt.Errorf("failed to commit revision: %w", err)
	}
	return rev, nil
}

func (s *Store) revisionExists(ctx context.Context, q rowQuerier, revisionID string) error {
	var n int
	err := q.QueryRowContext(ctx, s.query(`SELECT COUNT(*) FROM %s WHERE id = ?`, s.tables.RevisionsTable), revisionID).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check revision: %w", err)
	}
	if n == 0 {
		return store.ErrRevisionNotFound
	}
	return nil
}

// RegisterHost registers the host as pending, keeping its original start time on re-registration.
func (s *Store) RegisterHost(ctx context.Context, host shard.HostID, revisionID string) (h shard.Host, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return shard.Host{}, fmt.Errorf("failed to begin registration: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err := s.revisionExists(ctx, tx, revisionID); err != nil {
		return shard.Host{}, err
	}

	now := s.clock.Now()
	h = shard.Host{ID: host, RevisionID: revisionID, State: shard.HostStatePending, LastHeartbeat: now, StartedAt: now}

	existing, err := s.getHost(ctx, tx, host)
	switch {
	case err == nil && existing.State != shard.HostStateDead:
		h.StartedAt = existing.StartedAt
	case err != nil && !errors.Is(err, store.ErrHostNotFound):
		return shard.Host{}, err
	}

	q := s.dialect.rebind(s.dialect.upsert(s.tables.HostsTable,
		[]string{"id"},
		[]string{"revision_id", "state", "last_heartbeat", "started_at"}))
	if _, err := tx.ExecContext(ctx, q, string(h.ID), h.RevisionID, string(h.State), h.LastHeartbeat.UnixNano(), h.StartedAt.UnixNano()); err != nil {
		return shard.Host{}, fmt.Errorf("failed to register host: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return shard.Host{}, fmt.Errorf("failed to commit registration: %w", err)
	}
	return h, nil
}

// AssignShards stores the owners of the revision and activates the owning hosts.
func (s *Store) AssignShards(ctx context.Context, revisionID string, owners map[shard.ID]shard.HostID) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin assignment: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err := s.revisionExists(ctx, tx, revisionID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.query(`DELETE FROM %s WHERE revision_id = ?`, s.tables.AssignmentsTable), revisionID); err != nil {
		return fmt.Errorf("failed to clear assignments: %w", err)
	}

	insert := s.query(`INSERT INTO %s (revision_id, shard_id, host_id) VALUES (?, ?, ?)`, s.tables.AssignmentsTable)
	activate := s.query(`UPDATE %s SET revision_id = ?, state = ? WHERE id = ?`, s.tables.HostsTable)
	activated := make(map[shard.HostID]struct{})
	for id, host := range owners {
		if _, err := tx.ExecContext(ctx, insert, revisionID, int64(id), string(host)); err != nil {
			return fmt.Errorf("failed to assign shard %s: %w", id, err)
		}
		if _, ok := activated[host]; ok {
			continue
		}
		activated[host] = struct{}{}
		if _, err := tx.ExecContext(ctx, activate, revisionID, string(shard.HostStateActive), string(host)); err != nil {
			return fmt.Errorf("failed to activate host %s: %w", host, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit assignment: %w", err)
	}
	return nil
}

// GetAssignments returns the shard owners of a revision.
func (s *Store) GetAssignments(ctx context.Context, revisionID string) (owners map[shard.ID]shard.HostID, err error) {
	q := s.query(`SELECT shard_id, host_id FROM %s WHERE revision_id = ?`, s.tables.AssignmentsTable)
	rows, err := s.db.QueryContext(ctx, q, revisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get assignments: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	owners = make(map[shard.ID]shard.HostID)
	for rows.Next() {
		var id int64
		var host string
		if err := rows.Scan(&id, &host); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		owners[shard.ID(id)] = shard.HostID(host)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assignments: %w", err)
	}
	return owners, nil
}

// UpdateHostState updates the state of a host.
func (s *Store) UpdateHostState(ctx context.Context, host shard.HostID, state shard.HostState) error {
	return s.updateHost(ctx, `state = ?`, host, string(state))
}

// Heartbeat updates the last heartbeat time of a host.
func (s *Store) Heartbeat(ctx context.Context, host shard.HostID) error {
	return s.updateHost(ctx, `last_heartbeat = ?`, host, s.clock.Now().UnixNano())
}

// MarkHostDead marks a host as dead.
func (s *Store) MarkHostDead(ctx context.Context, host shard.HostID) error {
	return s.updateHost(ctx, `state = ?`, host, string(shard.HostStateDead))
}

func (s *Store) updateHost(ctx context.Context, set string, host shard.HostID, value any) error {
	q := s.query(`UPDATE %s SET `+set+` WHERE id = ?`, s.tables.HostsTable)
	result, err := s.db.ExecContext(ctx, q, value, string(host))
	if err != nil {
		return fmt.Errorf("failed to update host: %w", err)
	}

	// MySQL reports zero affected rows when the value is unchanged, so confirm existence.
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetHost(ctx, host); err != nil {
			return err
		}
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getHost(ctx context.Context, q rowQuerier, host shard.HostID) (shard.Host, error) {
	query := s.query(`SELECT id, revision_id, state, last_heartbeat, started_at FROM %s WHERE id = ?`, s.tables.HostsTable)

	var h shard.Host
	var id, revisionID, state string
	var heartbeat, started int64
	err := q.QueryRowContext(ctx, query, string(host)).Scan(&id, &revisionID, &state, &heartbeat, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return shard.Host{}, store.ErrHostNotFound
	}
	if err != nil {
		return shard.Host{}, fmt.Errorf("failed to get host: %w", err)
	}

	h.ID = shard.HostID(id)
	h.RevisionID = revisionID
	h.State = shard.HostState(state)
	h.LastHeartbeat = time.Unix(0, heartbeat)
	h.StartedAt = time.Unix(0, started)
	return h, nil
}

// GetHost returns a host by id.
func (s *Store) GetHost(ctx context.Context, host shard.HostID) (shard.Host, error) {
	return s.getHost(ctx, s.db, host)
}

// GetActiveHosts returns all hosts that are not dead, ordered by id.
func (s *Store) GetActiveHosts(ctx context.Context) ([]shard.Host, error) {
	return s.hostsWhere(ctx, `state <> ?`, string(shard.HostStateDead))
}

// GetPendingHosts returns hosts awaiting shards, ordered by id.
func (s *Store) GetPendingHosts(ctx context.Context) ([]shard.Host, error) {
	return s.hostsWhere(ctx, `state = ?`, string(shard.HostStatePending))
}

func (s *Store) hostsWhere(ctx context.Context, where string, arg any) (hosts []shard.Host, err error) {
	q := s.query(`SELECT id, revision_id, state, last_heartbeat, started_at FROM %s WHERE `+where+` ORDER BY id`, s.tables.HostsTable)
	rows, err := s.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query hosts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	hosts = []shard.Host{}
	for rows.Next() {
		var id, revisionID, state string
		var heartbeat, started int64
		if err := rows.Scan(&id, &revisionID, &state, &heartbeat, &started); err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, shard.Host{
			ID:            shard.HostID(id),
			RevisionID:    revisionID,
			State:         shard.HostState(state),
			LastHeartbeat: time.Unix(0, heartbeat),
			StartedAt:     time.Unix(0, started),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hosts: %w", err)
	}
	return hosts, nil
}

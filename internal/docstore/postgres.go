package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tandem/internal/ids"
	"tandem/internal/perm"
)

var pgIdentRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore is the production document-store boundary.
//
// Schema (managed externally, not by this process):
//
//	rooms(id text pk, owner_subject_id text, created_at timestamptz)
//	room_permissions(room_id text, subject_id text, role text, pk(room_id, subject_id))
//	room_updates(id text pk, room_id text, payload jsonb, created_at timestamptz)
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "tandem").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("docstore: empty schema")
		}
		if !pgIdentRE.MatchString(schema) {
			return errors.New("docstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tandem",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("docstore: nil pool")
	}
	return st, nil
}

// Close is a no-op: the pool is owned by the app.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) ident(table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, table}.Sanitize()
}

// CreateRoom registers a room with its owning subject.
func (s *PostgresStore) CreateRoom(ctx context.Context, roomID, ownerSubjectID string) error {
	roomID = strings.TrimSpace(roomID)
	ownerSubjectID = strings.TrimSpace(ownerSubjectID)
	if roomID == "" || ownerSubjectID == "" {
		return errors.New("docstore: invalid room input")
	}

	rooms := s.ident("rooms")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+rooms+` (id, owner_subject_id, created_at) VALUES ($1, $2, now())`,
		roomID, ownerSubjectID,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrRoomExists
	}
	return err
}

// RoomACL returns the room's owner and permission map.
func (s *PostgresStore) RoomACL(ctx context.Context, roomID string) (perm.ACL, error) {
	rooms := s.ident("rooms")

	var owner string
	err := s.pool.QueryRow(ctx,
		`SELECT owner_subject_id FROM `+rooms+` WHERE id = $1`,
		roomID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return perm.ACL{}, perm.ErrRoomNotFound
	}
	if err != nil {
		return perm.ACL{}, err
	}

	perms := s.ident("room_permissions")
	rows, err := s.pool.Query(ctx,
		`SELECT subject_id, role FROM `+perms+` WHERE room_id = $1`,
		roomID,
	)
	if err != nil {
		return perm.ACL{}, err
	}
	defer rows.Close()

	grants := make(map[string]perm.Role)
	for rows.Next() {
		var subject, roleName string
		if err := rows.Scan(&subject, &roleName); err != nil {
			return perm.ACL{}, err
		}
		role, err := perm.ParseRole(roleName)
		if err != nil {
			// Unknown role values are skipped rather than failing the
			// whole room; they can only appear through out-of-band writes.
			continue
		}
		grants[subject] = role
	}
	if err := rows.Err(); err != nil {
		return perm.ACL{}, err
	}

	return perm.ACL{Owner: owner, Grants: grants}, nil
}

// SaveGrant upserts a permission-map entry.
func (s *PostgresStore) SaveGrant(ctx context.Context, roomID, subjectID string, role perm.Role) error {
	perms := s.ident("room_permissions")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+perms+` (room_id, subject_id, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (room_id, subject_id) DO UPDATE SET role = EXCLUDED.role`,
		roomID, subjectID, role.String(),
	)
	return err
}

// DeleteGrant removes a permission-map entry.
func (s *PostgresStore) DeleteGrant(ctx context.Context, roomID, subjectID string) error {
	perms := s.ident("room_permissions")
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+perms+` WHERE room_id = $1 AND subject_id = $2`,
		roomID, subjectID,
	)
	return err
}

// ApplyUpdate appends an authorized content mutation verbatim.
func (s *PostgresStore) ApplyUpdate(ctx context.Context, roomID string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return errors.New("docstore: empty payload")
	}

	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return err
	}

	updates := s.ident("room_updates")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+updates+` (id, room_id, payload, created_at) VALUES ($1, $2, $3::jsonb, now())`,
		id, roomID, string(payload),
	)
	return err
}

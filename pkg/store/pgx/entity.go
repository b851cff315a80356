package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// EntityStorage stores canonical entities in the canonical_entities table.
// Identifiers are kept twice: as given (primary_*, alt_ids) and in canonical
// form (canonical_ids) for containment lookups.
type EntityStorage struct {
	conn pgxIConn
}

var _ store.EntityStorage = (*EntityStorage)(nil)

func NewEntityStorage(conn pgxIConn) *EntityStorage {
	return &EntityStorage{conn: conn}
}

const entityColumns = `entity_key, primary_type, primary_value, alt_ids, name_norm, jurisdiction, aliases, created_at, updated_at`

func (s *EntityStorage) GetEntity(ctx context.Context, key string) (*common.CanonicalEntity, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+entityColumns+` FROM canonical_entities WHERE entity_key = $1`, key)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *EntityStorage) PutEntity(ctx context.Context, e common.CanonicalEntity) error {
	altIDs, err := json.Marshal(nonNil(e.AltIDs))
	if err != nil {
		return err
	}
	canonical := make([]common.Identifier, 0, len(e.AltIDs)+1)
	for _, id := range e.Identifiers() {
		canonical = append(canonical, id.Canonical())
	}
	canonicalIDs, err := json.Marshal(canonical)
	if err != nil {
		return err
	}
	aliases := make([]string, 0, len(e.Aliases))
	for _, a := range e.Aliases {
		aliases = append(aliases, cleanText(a))
	}
	aliasJSON, err := json.Marshal(aliases)
	if err != nil {
		return err
	}

	_, err = s.conn.Exec(ctx, upsertEntitySQL,
		e.EntityKey,
		e.PrimaryID.Type,
		e.PrimaryID.Value,
		altIDs,
		canonicalIDs,
		cleanText(e.NameNorm),
		nullableText(e.Jurisdiction),
		aliasJSON,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", e.EntityKey, err)
	}
	return nil
}

func (s *EntityStorage) DeleteEntity(ctx context.Context, key string) error {
	tag, err := s.conn.Exec(ctx, `DELETE FROM canonical_entities WHERE entity_key = $1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListEntities narrows by jurisdiction and identifier in SQL and applies the
// name pattern with Go regexp semantics.
func (s *EntityStorage) ListEntities(ctx context.Context, filter store.EntityFilter) ([]common.CanonicalEntity, error) {
	matcher, err := filter.Compile()
	if err != nil {
		return nil, err
	}

	query, args, err := buildListQuery(filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		if matcher.Match(*e) {
			out = append(out, *e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func buildListQuery(filter store.EntityFilter) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	if filter.Jurisdiction != "" {
		args = append(args, filter.Jurisdiction)
		where = append(where, fmt.Sprintf("lower(jurisdiction) = lower($%d)", len(args)))
	}
	if filter.AltIDType != "" || filter.AltIDValue != "" {
		match := map[string]string{}
		if filter.AltIDType != "" {
			match["type"] = common.CanonicalIDType(filter.AltIDType)
		}
		if filter.AltIDValue != "" {
			match["value"] = common.CanonicalIDValue(filter.AltIDValue)
		}
		b, err := json.Marshal([]map[string]string{match})
		if err != nil {
			return "", nil, err
		}
		args = append(args, b)
		where = append(where, fmt.Sprintf("canonical_ids @> $%d::jsonb", len(args)))
	}

	query := `SELECT ` + entityColumns + ` FROM canonical_entities`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY entity_key`
	return query, args, nil
}

func scanEntity(row pgxv5.Row) (*common.CanonicalEntity, error) {
	var (
		e        common.CanonicalEntity
		altIDs   []byte
		aliases  []byte
		created  time.Time
		updated  time.Time
		juris    *string
		nameNorm string
	)
	if err := row.Scan(
		&e.EntityKey,
		&e.PrimaryID.Type,
		&e.PrimaryID.Value,
		&altIDs,
		&nameNorm,
		&juris,
		&aliases,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}
	if len(altIDs) > 0 {
		if err := json.Unmarshal(altIDs, &e.AltIDs); err != nil {
			return nil, fmt.Errorf("decode alt_ids of %s: %w", e.EntityKey, err)
		}
	}
	if len(aliases) > 0 {
		if err := json.Unmarshal(aliases, &e.Aliases); err != nil {
			return nil, fmt.Errorf("decode aliases of %s: %w", e.EntityKey, err)
		}
	}
	if juris != nil {
		e.Jurisdiction = *juris
	}
	e.NameNorm = nameNorm
	e.CreatedAt = created.UTC()
	e.UpdatedAt = updated.UTC()
	return &e, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

const upsertEntitySQL = `
INSERT INTO canonical_entities (
    entity_key, primary_type, primary_value, alt_ids, canonical_ids,
    name_norm, jurisdiction, aliases, created_at, updated_at
)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, NULLIF($7, ''), $8::jsonb, $9, $10)
ON CONFLICT (entity_key) DO UPDATE
SET name_norm    = EXCLUDED.name_norm,
    jurisdiction = EXCLUDED.jurisdiction,
    aliases      = EXCLUDED.aliases,
    updated_at   = EXCLUDED.updated_at;
`

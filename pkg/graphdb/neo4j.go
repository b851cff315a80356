package graphdb

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Neo4jParams struct {
	URI      string
	Username string
	Password string
	// Database selects a named database; empty uses the server default.
	Database string
}

// Neo4jDriver implements Driver with managed transactions, so transient
// cluster errors are retried by the neo4j driver itself.
type Neo4jDriver struct {
	driver   neo4j.DriverWithContext
	database string
}

var _ Driver = (*Neo4jDriver)(nil)

func NewNeo4jDriver(ctx context.Context, params Neo4jParams) (*Neo4jDriver, error) {
	driver, err := neo4j.NewDriverWithContext(params.URI, neo4j.BasicAuth(params.Username, params.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &Neo4jDriver{driver: driver, database: params.Database}, nil
}

func (d *Neo4jDriver) ExecuteRead(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead, DatabaseName: d.database})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, collect(ctx, query, params))
	if err != nil {
		return nil, fmt.Errorf("neo4j read failed: %w", err)
	}
	return out.([]Record), nil
}

func (d *Neo4jDriver) ExecuteWrite(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: d.database})
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, collect(ctx, query, params))
	if err != nil {
		return nil, fmt.Errorf("neo4j write failed: %w", err)
	}
	return out.([]Record), nil
}

func (d *Neo4jDriver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

func collect(ctx context.Context, query string, params map[string]any) neo4j.ManagedTransactionWork {
	return func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(records))
		for _, rec := range records {
			out = append(out, Record(rec.AsMap()))
		}
		return out, nil
	}
}

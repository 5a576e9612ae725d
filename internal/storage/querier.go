package storage

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the common query surface of *pgxpool.Pool and pgx.Tx, so
// repository helpers run both standalone and inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// parseBigInt converts a NUMERIC column read as text into a big.Int.
func parseBigInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

// parseNullableBigInt converts an optional NUMERIC text column.
func parseNullableBigInt(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseBigInt(*s)
}

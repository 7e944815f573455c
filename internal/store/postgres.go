package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CryptoSettle/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation  = "23505"
	pgInvalidTextRepr  = "22P02"
	orderSelectColumns = `order_id::text, asset, usd_amount::text, crypto_amount::text, watch_address,
			derivation_index, status, tx_id, buyer_metadata, quote,
			created_at, completed_at, failed_at, updated_at`
)

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

func (s *Postgres) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('order_derivation_index_seq')").Scan(&idx)
	return idx, err
}

func (s *Postgres) CreateOrder(ctx context.Context, order *models.Order) error {
	meta, err := json.Marshal(orEmpty(order.BuyerMetadata))
	if err != nil {
		return err
	}
	quote, err := json.Marshal(order.Quote)
	if err != nil {
		return err
	}
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	// timestamptz keeps microseconds
	createdAt = createdAt.UTC().Truncate(time.Microsecond)

	row := s.Pool.QueryRow(ctx, `
		INSERT INTO orders (
			asset, usd_amount, crypto_amount, watch_address, derivation_index,
			status, buyer_metadata, quote, created_at, updated_at
		) VALUES ($1,$2::numeric,$3::numeric,$4,$5,$6,$7,$8,$9,$9)
		RETURNING order_id::text
	`,
		order.Asset,
		order.USDAmount.String(),
		order.CryptoAmount.String(),
		order.WatchAddress,
		order.DerivationIndex,
		order.Status,
		meta,
		quote,
		createdAt,
	)
	if err := row.Scan(&order.ID); err != nil {
		return mapCreateErr(err)
	}
	order.CreatedAt = createdAt
	order.UpdatedAt = createdAt
	return nil
}

func (s *Postgres) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderSelectColumns+` FROM orders WHERE order_id=$1::uuid`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return order, nil
}

func (s *Postgres) FindByTxID(ctx context.Context, txID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderSelectColumns+` FROM orders WHERE tx_id=$1`, txID)
	order, err := scanOrder(row)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return order, nil
}

func (s *Postgres) ListPending(ctx context.Context, asset models.Asset, address string) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderSelectColumns+`
		FROM orders
		WHERE status='pending' AND asset=$1 AND watch_address=$2
		ORDER BY created_at ASC, order_id ASC
	`, asset, address)
}

func (s *Postgres) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderSelectColumns+`
		FROM orders
		WHERE status='pending' AND created_at < $1
		ORDER BY created_at ASC, order_id ASC
	`, cutoff)
}

func (s *Postgres) ListWatchedAddresses(ctx context.Context, asset models.Asset) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT watch_address
		FROM orders
		WHERE status='pending' AND asset=$1
		ORDER BY watch_address
	`, asset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Postgres) Transition(ctx context.Context, orderID string, expected models.OrderStatus, t models.Transition) error {
	at := t.At.UTC().Truncate(time.Microsecond)
	var (
		tag pgconn.CommandTag
		err error
	)
	switch t.Status {
	case models.OrderCompleted:
		tag, err = s.Pool.Exec(ctx, `
			UPDATE orders
			SET status='completed', tx_id=$3, completed_at=$4, updated_at=$4
			WHERE order_id=$1::uuid AND status=$2
		`, orderID, expected, t.TxID, at)
	case models.OrderFailed:
		tag, err = s.Pool.Exec(ctx, `
			UPDATE orders
			SET status='failed', failed_at=$3, updated_at=$3
			WHERE order_id=$1::uuid AND status=$2
		`, orderID, expected, at)
	default:
		return fmt.Errorf("unsupported transition to %q", t.Status)
	}
	if err != nil {
		return mapTransitionErr(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id=$1::uuid)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrPreconditionFailed
}

func (s *Postgres) queryOrders(ctx context.Context, sql string, args ...any) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order        models.Order
		usdAmount    string
		cryptoAmount string
		meta         []byte
		quote        []byte
	)
	err := row.Scan(
		&order.ID,
		&order.Asset,
		&usdAmount,
		&cryptoAmount,
		&order.WatchAddress,
		&order.DerivationIndex,
		&order.Status,
		&order.TxID,
		&meta,
		&quote,
		&order.CreatedAt,
		&order.CompletedAt,
		&order.FailedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if order.USDAmount, err = decimal.NewFromString(usdAmount); err != nil {
		return nil, fmt.Errorf("order %s usd_amount: %w", order.ID, err)
	}
	if order.CryptoAmount, err = decimal.NewFromString(cryptoAmount); err != nil {
		return nil, fmt.Errorf("order %s crypto_amount: %w", order.ID, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &order.BuyerMetadata); err != nil {
			return nil, fmt.Errorf("order %s buyer_metadata: %w", order.ID, err)
		}
	}
	if len(quote) > 0 {
		if err := json.Unmarshal(quote, &order.Quote); err != nil {
			return nil, fmt.Errorf("order %s quote: %w", order.ID, err)
		}
	}
	return &order, nil
}

func mapCreateErr(err error) error {
	if isPgCode(err, pgUniqueViolation) {
		return ErrDuplicateID
	}
	return err
}

// mapTransitionErr maps a failed UPDATE. The only unique index an update can
// hit is the one on tx_id.
func mapTransitionErr(err error) error {
	if isPgCode(err, pgUniqueViolation) {
		return ErrTxAlreadyUsed
	}
	return mapNotFound(err)
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) || isPgCode(err, pgInvalidTextRepr) {
		return ErrNotFound
	}
	return err
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

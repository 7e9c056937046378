// internal/library/projection_postgres.go
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tableItems = "library_items"

// ProjectionSchema creates the read model table.
const ProjectionSchema = `
CREATE TABLE IF NOT EXISTS library_items (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL,
    game_id UUID NOT NULL,
    status TEXT NOT NULL,
    price_paid NUMERIC(12,2),
    payment_type TEXT,
    payment_id UUID,
    version INT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    CONSTRAINT library_items_user_game_key UNIQUE (user_id, game_id)
);

CREATE INDEX IF NOT EXISTS idx_library_items_game ON library_items (game_id);
CREATE INDEX IF NOT EXISTS idx_library_items_payment ON library_items (payment_id) WHERE payment_id IS NOT NULL;
`

var (
	dialect     = goqu.Dialect("postgres")
	itemColumns = []interface{}{"id", "user_id", "game_id", "status", "price_paid", "payment_type", "payment_id", "version", "updated_at"}
)

// PostgresProjection stores the read model in the library_items table.
type PostgresProjection struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewPostgresProjection(db *sqlx.DB) *PostgresProjection {
	return &PostgresProjection{db: db, tracer: otel.Tracer("fcglibraries/projection")}
}

// EnsureSchema creates the table if it is missing.
func (p *PostgresProjection) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, ProjectionSchema); err != nil {
		return fmt.Errorf("create projection schema: %w", err)
	}
	return nil
}

func (p *PostgresProjection) GetByID(ctx context.Context, id uuid.UUID) (*Item, error) {
	ctx, span := p.tracer.Start(ctx, "projection.get", trace.WithAttributes(attribute.String("item.id", id.String())))
	defer span.End()

	q, args, err := dialect.From(tableItems).Select(itemColumns...).
		Where(goqu.C("id").Eq(id.String())).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var it Item
	if err := p.db.GetContext(ctx, &it, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: item %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return &it, nil
}

func (p *PostgresProjection) GetAll(ctx context.Context) ([]Item, error) {
	return p.Query(ctx, Filter{})
}

func (p *PostgresProjection) Query(ctx context.Context, f Filter) ([]Item, error) {
	ctx, span := p.tracer.Start(ctx, "projection.query")
	defer span.End()

	q, args, err := dialect.From(tableItems).Select(itemColumns...).
		Where(filterExpressions(f)...).
		Order(goqu.C("updated_at").Asc(), goqu.C("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	items := make([]Item, 0)
	if err := p.db.SelectContext(ctx, &items, q, args...); err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	span.SetAttributes(attribute.Int("rows", len(items)))
	return items, nil
}

func (p *PostgresProjection) ExistsForPair(ctx context.Context, userID, gameID uuid.UUID) (bool, error) {
	q, args, err := dialect.From(tableItems).Select(goqu.L("1")).
		Where(goqu.C("user_id").Eq(userID.String()), goqu.C("game_id").Eq(gameID.String())).
		Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build exists query: %w", err)
	}

	var one int
	err = p.db.GetContext(ctx, &one, q, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check pair %s/%s: %w", userID, gameID, err)
	}
	return true, nil
}

func (p *PostgresProjection) Add(ctx context.Context, it Item) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "projection.add", trace.WithAttributes(attribute.String("item.id", it.ID.String())))
	defer span.End()

	// no conflict target: both the primary key and the pair constraint skip
	q, args, err := dialect.Insert(tableItems).Rows(itemRecord(it)).
		OnConflict(goqu.DoNothing()).Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}
	return p.exec(ctx, q, args, "insert item %s", it.ID)
}

func (p *PostgresProjection) Update(ctx context.Context, it Item) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "projection.update", trace.WithAttributes(
		attribute.String("item.id", it.ID.String()),
		attribute.Int("item.version", it.Version),
	))
	defer span.End()

	rec := itemRecord(it)
	delete(rec, "id")
	q, args, err := dialect.Update(tableItems).Set(rec).
		Where(goqu.C("id").Eq(it.ID.String()), goqu.C("version").Lt(it.Version)).
		Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build update: %w", err)
	}
	return p.exec(ctx, q, args, "update item %s", it.ID)
}

func (p *PostgresProjection) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	q, args, err := dialect.Delete(tableItems).Where(goqu.C("id").Eq(id.String())).Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build delete: %w", err)
	}
	return p.exec(ctx, q, args, "delete item %s", id)
}

func (p *PostgresProjection) DeleteWhere(ctx context.Context, f Filter) (int, error) {
	if f.Empty() {
		return 0, fmt.Errorf("%w: refusing to delete without a filter", ErrValidation)
	}
	q, args, err := dialect.Delete(tableItems).Where(filterExpressions(f)...).Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	return int(n), nil
}

func (p *PostgresProjection) exec(ctx context.Context, q string, args []interface{}, what string, id uuid.UUID) (bool, error) {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf(what+": %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf(what+": %w", id, err)
	}
	return n > 0, nil
}

func filterExpressions(f Filter) []goqu.Expression {
	var ex []goqu.Expression
	if f.UserID != nil {
		ex = append(ex, goqu.C("user_id").Eq(f.UserID.String()))
	}
	if f.GameID != nil {
		ex = append(ex, goqu.C("game_id").Eq(f.GameID.String()))
	}
	if f.PaymentID != nil {
		ex = append(ex, goqu.C("payment_id").Eq(f.PaymentID.String()))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		ex = append(ex, goqu.C("status").In(statuses))
	}
	if f.ExcludeStatus != nil {
		ex = append(ex, goqu.C("status").Neq(string(*f.ExcludeStatus)))
	}
	return ex
}

func itemRecord(it Item) goqu.Record {
	rec := goqu.Record{
		"id":           it.ID.String(),
		"user_id":      it.UserID.String(),
		"game_id":      it.GameID.String(),
		"status":       string(it.Status),
		"price_paid":   nil,
		"payment_type": nil,
		"payment_id":   nil,
		"version":      it.Version,
		"updated_at":   it.UpdatedAt,
	}
	if it.PricePaid != nil {
		rec["price_paid"] = *it.PricePaid
	}
	if it.PaymentType != nil {
		rec["payment_type"] = string(*it.PaymentType)
	}
	if it.PaymentID != nil {
		rec["payment_id"] = it.PaymentID.String()
	}
	return rec
}

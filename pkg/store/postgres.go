package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dropscan/models"
	"dropscan/pkg/fuzzy"
)

// Postgres is a Store backed by gorm on PostgreSQL. Fuzzy lookups use the
// case-insensitive ARE operator ~*.
type Postgres struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// Migrate creates or updates the tables the store owns.
func (s *Postgres) Migrate() error {
	// Migrate models individually so a failure on one doesn't block others
	var errs []error
	if err := s.db.AutoMigrate(&models.Character{}); err != nil {
		errs = append(errs, wrap("migrate characters", err))
	}
	if err := s.db.AutoMigrate(&models.DropScan{}); err != nil {
		errs = append(errs, wrap("migrate drop_scans", err))
	}
	return errors.Join(errs...)
}

func (s *Postgres) FindExact(ctx context.Context, name, series string) (*models.Character, error) {
	var c models.Character
	err := s.db.WithContext(ctx).Where("name = ? AND series = ?", name, series).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find exact", err)
	}
	return &c, nil
}

func (s *Postgres) FindFuzzy(ctx context.Context, name, series fuzzy.Pattern) (*models.Character, error) {
	var c models.Character
	err := s.db.WithContext(ctx).
		Where("name ~* ? AND series ~* ?", pgRegex(name), pgRegex(series)).
		Order("id").
		Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find fuzzy", err)
	}
	return &c, nil
}

type batchRow struct {
	Idx        int
	ID         *uint
	CreatedAt  *time.Time
	UpdatedAt  *time.Time
	Name       *string
	Series     *string
	Wishlist   *int
	LastUpdate *time.Time
}

func (s *Postgres) FindFuzzyBatch(ctx context.Context, filter PrefixFilter, branches []Branch) ([]*models.Character, error) {
	if err := checkBatch(branches); err != nil {
		return nil, err
	}
	query, args := batchQuery(filter, branches)
	var rows []batchRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, wrap("find fuzzy batch", err)
	}
	out := make([]*models.Character, len(branches))
	for _, r := range rows {
		if r.ID == nil || r.Idx < 0 || r.Idx >= len(out) {
			continue
		}
		c := &models.Character{ID: *r.ID, Name: deref(r.Name), Series: deref(r.Series), Wishlist: r.Wishlist}
		if r.CreatedAt != nil {
			c.CreatedAt = *r.CreatedAt
		}
		if r.UpdatedAt != nil {
			c.UpdatedAt = *r.UpdatedAt
		}
		if r.LastUpdate != nil {
			c.LastUpdate = *r.LastUpdate
		}
		out[r.Idx] = c
	}
	return out, nil
}

// batchQuery builds one statement with a lateral subquery per branch. The
// prefix filter narrows the scan before any regex is evaluated; LIMIT 1
// keeps at most one match per branch, and ORDER BY idx restores branch order.
func batchQuery(filter PrefixFilter, branches []Branch) (string, []any) {
	var args []any
	values := make([]string, len(branches))
	for i, b := range branches {
		values[i] = fmt.Sprintf("(%d, CAST(? AS text), CAST(? AS text))", i)
		args = append(args, pgRegex(b.Name), pgRegex(b.Series))
	}

	var conds []string
	for _, f := range []struct {
		column   string
		prefixes []string
	}{{"ch.name", filter.Names}, {"ch.series", filter.Series}} {
		if c, a := likeAny(f.column, f.prefixes); c != "" {
			conds = append(conds, c)
			args = append(args, a...)
		}
	}
	conds = append(conds, "ch.name ~* b.name_re", "ch.series ~* b.series_re")

	var q strings.Builder
	q.WriteString("SELECT b.idx, c.id, c.created_at, c.updated_at, c.name, c.series, c.wishlist, c.last_update\n")
	q.WriteString("FROM (VALUES " + strings.Join(values, ", ") + ") AS b(idx, name_re, series_re)\n")
	q.WriteString("LEFT JOIN LATERAL (\n")
	q.WriteString("\tSELECT ch.* FROM characters ch\n")
	q.WriteString("\tWHERE " + strings.Join(conds, " AND ") + "\n")
	q.WriteString("\tORDER BY ch.id LIMIT 1\n")
	q.WriteString(") c ON true\n")
	q.WriteString("ORDER BY b.idx")
	return q.String(), args
}

func likeAny(column string, prefixes []string) (string, []any) {
	if len(prefixes) == 0 {
		return "", nil
	}
	parts := make([]string, len(prefixes))
	args := make([]any, len(prefixes))
	for i, p := range prefixes {
		parts[i] = column + " LIKE ?"
		args[i] = likeEscaper.Replace(p) + "%"
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Postgres) Upsert(ctx context.Context, c *models.Character) error {
	now := s.now()
	c.LastUpdate = now
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "series"}},
		DoUpdates: clause.AssignmentColumns([]string{"wishlist", "last_update", "updated_at"}),
	}).Create(c).Error
	if err != nil {
		return wrap("upsert", err)
	}
	return nil
}

func (s *Postgres) RecordScan(ctx context.Context, scan *models.DropScan) error {
	if err := s.db.WithContext(ctx).Create(scan).Error; err != nil {
		return wrap("record scan", err)
	}
	return nil
}

// pgRegex rewrites a pattern for the Postgres ARE engine, where \b means
// backspace and the word boundary is \y.
func pgRegex(p fuzzy.Pattern) string {
	return strings.ReplaceAll(p.Expr, `\b`, `\y`)
}

func wrap(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %s: %s (SQLSTATE %s)", ErrStore, op, pgErr.Message, pgErr.Code)
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

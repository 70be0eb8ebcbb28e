package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"pdf-rag/internal/config"
	"pdf-rag/internal/index"
	"pdf-rag/internal/models"
)

// PageRow is one embedded page. Rows of a document share a Collection and
// are deleted together.
type PageRow struct {
	bun.BaseModel `bun:"table:pdf_pages,alias:p"`
	ID            int64   `bun:"id,pk,autoincrement"`
	Collection    string  `bun:"collection,notnull"`
	PageNumber    int     `bun:"page_number,notnull"`
	Source        string  `bun:"source"`
	Content       string  `bun:"content,notnull"`
	Embedding     Vector  `bun:"embedding,notnull,type:vector"`
	Similarity    float32 `bun:"similarity,scanonly"`
}

// Vector is a pgvector value. It is sent as the text form "[1,2,3]".
type Vector []float32

func (v Vector) Value() (driver.Value, error) {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

func (v *Vector) Scan(src any) error {
	var s string
	switch t := src.(type) {
	case nil:
		*v = nil
		return nil
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		*v = Vector{}
		return nil
	}
	parts := strings.Split(s, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("parse vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(cfg *config.DatabaseConfig) *sql.DB {
	opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
	if cfg.Password != "" {
		opts = append(opts, pgdriver.WithPassword(cfg.Password))
	}
	return sql.OpenDB(pgdriver.NewConnector(opts...))
}

func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*PageRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, err := db.NewCreateIndex().Model((*PageRow)(nil)).Index("pdf_pages_collection_idx").IfNotExists().Column("collection").Exec(ctx)
	return err
}

// Store hands out pgvector-backed indexes on one connection pool. Every
// collection it creates is prefixed with the configured instance.
type Store struct {
	db       *bun.DB
	instance string
}

// Open connects, prepares the schema and removes rows a previous run of the
// same instance left behind. Rows of other instances are not touched.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	db := NewDB(ConnectDB(cfg), cfg.Debug)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := InitDB(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	res, err := db.NewDelete().Model((*PageRow)(nil)).Where(`collection LIKE ? ESCAPE '\'`, instancePattern(cfg.Instance)).Exec(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("clear stale pages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("rows", n).Str("instance", cfg.Instance).Msg("Removed stale pages")
	}
	return &Store{db: db, instance: cfg.Instance}, nil
}

func (s *Store) NewIndex(ctx context.Context, name string) (index.Index, error) {
	idx := &Index{db: s.db, collection: collectionName(s.instance, name)}
	if err := idx.deleteRows(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Index is the set of rows for one collection.
type Index struct {
	db         *bun.DB
	collection string
	count      int
}

func (i *Index) Add(ctx context.Context, pages []models.PageEmbedding) error {
	if len(pages) == 0 {
		return nil
	}
	rows := make([]PageRow, len(pages))
	for n, p := range pages {
		rows[n] = PageRow{
			Collection: i.collection,
			PageNumber: p.Page.Number,
			Source:     p.Page.Source,
			Content:    p.Page.Text,
			Embedding:  Vector(p.Embedding),
		}
	}
	if _, err := i.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("store pages: %w", err)
	}
	i.count += len(rows)
	return nil
}

// Search orders by cosine distance; similarity is 1 - distance.
func (i *Index) Search(ctx context.Context, vector []float32, k int) ([]models.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	q := Vector(vector)
	var rows []PageRow
	err := i.db.NewSelect().
		Model(&rows).
		Column("page_number", "source", "content").
		ColumnExpr("1 - (embedding <=> ?) AS similarity", q).
		Where("collection = ?", i.collection).
		OrderExpr("embedding <=> ?", q).
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("search pages: %w", err)
	}
	matches := make([]models.Match, len(rows))
	for n, r := range rows {
		matches[n] = models.Match{
			Page:       models.Page{Number: r.PageNumber, Source: r.Source, Text: r.Content},
			Similarity: r.Similarity,
		}
	}
	return matches, nil
}

func (i *Index) Count() int {
	return i.count
}

func (i *Index) Close(ctx context.Context) error {
	i.count = 0
	return i.deleteRows(ctx)
}

func (i *Index) deleteRows(ctx context.Context) error {
	_, err := i.db.NewDelete().Model((*PageRow)(nil)).Where("collection = ?", i.collection).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete pages: %w", err)
	}
	return nil
}

func collectionName(instance, name string) string {
	return instance + "/" + name
}

// instancePattern matches every collection of instance in a LIKE clause.
func instancePattern(instance string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(instance)
	return escaped + "/%"
}

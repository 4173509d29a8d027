package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/midastechnical/storefront-sync/internal/model"
)

// productRow is the products table. external_id is unique; NULLs are allowed
// for products that only exist locally.
type productRow struct {
	ID            string          `gorm:"primaryKey;size:64"`
	Name          string          `gorm:"size:200;not null"`
	Description   string          `gorm:"type:text"`
	Price         decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	StockQuantity int64           `gorm:"not null;check:chk_products_stock_non_negative,stock_quantity >= 0"`
	SKU           string          `gorm:"size:100;index"`
	ExternalID    *string         `gorm:"size:64;uniqueIndex"`
	Active        bool            `gorm:"not null;default:true"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (productRow) TableName() string { return "products" }

func (r productRow) toModel() model.Product {
	return model.Product{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Price:         r.Price,
		StockQuantity: r.StockQuantity,
		SKU:           r.SKU,
		ExternalID:    r.ExternalID,
		Active:        r.Active,
		UpdatedAt:     r.UpdatedAt,
	}
}

func fromModel(p model.Product) productRow {
	return productRow{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Price:         p.Price,
		StockQuantity: clampStock(p.ID, p.StockQuantity),
		SKU:           p.SKU,
		ExternalID:    p.ExternalID,
		Active:        p.Active,
	}
}

// Gorm is the Postgres-backed product table.
type Gorm struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and migrates the products table.
func OpenPostgres(dsn string) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn), TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewGorm(db)
}

// NewGorm wraps an open handle and migrates the products table.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&productRow{}); err != nil {
		return nil, fmt.Errorf("migrate products: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) Get(ctx context.Context, id string) (model.Product, bool, error) {
	return g.first(ctx, "id = ?", id)
}

func (g *Gorm) GetByExternalID(ctx context.Context, externalID string) (model.Product, bool, error) {
	return g.first(ctx, "external_id = ?", externalID)
}

func (g *Gorm) first(ctx context.Context, query string, arg any) (model.Product, bool, error) {
	var row productRow
	err := g.db.WithContext(ctx).Where(query, arg).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Product{}, false, nil
	}
	if err != nil {
		return model.Product{}, false, err
	}
	return row.toModel(), true, nil
}

func (g *Gorm) List(ctx context.Context) ([]model.Product, error) {
	return g.find(g.db.WithContext(ctx))
}

func (g *Gorm) ListLinked(ctx context.Context) ([]model.Product, error) {
	return g.find(g.db.WithContext(ctx).Where("external_id IS NOT NULL AND external_id <> ''"))
}

func (g *Gorm) find(q *gorm.DB) ([]model.Product, error) {
	var rows []productRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (g *Gorm) Count(ctx context.Context) (int, error) {
	var n int64
	if err := g.db.WithContext(ctx).Model(&productRow{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

func (g *Gorm) Create(ctx context.Context, p model.Product) (model.Product, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	row := fromModel(p)
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return model.Product{}, fmt.Errorf("%w: %w", ErrExternalIDTaken, err)
		}
		return model.Product{}, err
	}
	// gorm skips zero-valued fields that carry a default
	if !p.Active {
		if err := g.db.WithContext(ctx).Model(&row).Update("active", false).Error; err != nil {
			return model.Product{}, err
		}
		row.Active = false
	}
	return row.toModel(), nil
}

// UpsertByExternalID relies on the unique external_id index: a conflicting row
// keeps its primary key and receives the catalog fields.
func (g *Gorm) UpsertByExternalID(ctx context.Context, p model.Product) (model.Product, error) {
	if !p.HasExternalID() {
		return model.Product{}, ErrMissingExternalID
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	row := fromModel(p)
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "price", "stock_quantity", "sku", "active", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return model.Product{}, err
	}
	stored, ok, err := g.GetByExternalID(ctx, *p.ExternalID)
	if err != nil {
		return model.Product{}, err
	}
	if !ok {
		return model.Product{}, ErrNotFound
	}
	return stored, nil
}

func (g *Gorm) SetStockByExternalID(ctx context.Context, externalID string, stock int64) (model.Product, error) {
	var out model.Product
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row productRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("external_id = ?", externalID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		row.StockQuantity = clampStock(row.ID, stock)
		if err := tx.Model(&row).Update("stock_quantity", row.StockQuantity).Error; err != nil {
			return err
		}
		out = row.toModel()
		return nil
	})
	return out, err
}

func (g *Gorm) Deactivate(ctx context.Context, id string) error {
	res := g.db.WithContext(ctx).Model(&productRow{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Package feed stores the scrollable feed's items. Items live in a
// sqlite database and are seeded from a YAML manifest; the manifest is
// watched so edits show up without a restart.
package feed

import (
	"context"
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/feedframe/embedhost/lib/logger"
)

// Item is one feed card.
type Item struct {
	ID            uint   `gorm:"primaryKey" json:"-"`
	Slug          string `gorm:"uniqueIndex" json:"slug"`
	Title         string `json:"title"`
	SourceURL     string `json:"source_url"`
	ScreenshotURL string `json:"screenshot_url,omitempty"`
	Position      int    `json:"position"`
}

// Manifest is the YAML seed file shape.
type Manifest struct {
	Items []ManifestItem `json:"items"`
}

type ManifestItem struct {
	Slug          string `json:"slug"`
	Title         string `json:"title"`
	SourceURL     string `json:"source_url"`
	ScreenshotURL string `json:"screenshot_url"`
}

// Store wraps the feed database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open feed db: %w", err)
	}
	if err := db.AutoMigrate(&Item{}); err != nil {
		return nil, fmt.Errorf("migrate feed db: %w", err)
	}
	return &Store{db: db}, nil
}

// Seed loads the manifest at path and upserts its items, keyed by slug.
// Positions follow manifest order.
func (s *Store) Seed(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	for i, mi := range m.Items {
		if mi.Slug == "" || mi.SourceURL == "" {
			return fmt.Errorf("manifest item %d: slug and source_url are required", i)
		}
		item := Item{
			Slug:          mi.Slug,
			Title:         mi.Title,
			SourceURL:     mi.SourceURL,
			ScreenshotURL: mi.ScreenshotURL,
			Position:      i,
		}
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "slug"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "source_url", "screenshot_url", "position"}),
		}).Create(&item).Error
		if err != nil {
			return fmt.Errorf("upsert item %q: %w", mi.Slug, err)
		}
	}
	logger.FromContext(ctx).Info("seeded feed", "items", len(m.Items), "manifest", path)
	return nil
}

// List returns all items in feed order.
func (s *Store) List(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := s.db.WithContext(ctx).Order("position asc").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list feed items: %w", err)
	}
	return items, nil
}

// Get returns the item with the given slug.
func (s *Store) Get(ctx context.Context, slug string) (*Item, error) {
	var item Item
	if err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&item).Error; err != nil {
		return nil, fmt.Errorf("get feed item %q: %w", slug, err)
	}
	return &item, nil
}

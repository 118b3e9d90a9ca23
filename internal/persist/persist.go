// Package persist keeps the last successfully bound source of every widget
// entry so sessions can be rebuilt after a restart.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/netrender/backend/internal/config"
)

var ErrNotFound = errors.New("widget not found")

// Widget is the persisted form of one session: entry name to source.
type Widget struct {
	ID        string            `json:"id"`
	Entries   map[string]string `json:"entries"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type Store interface {
	SaveEntry(ctx context.Context, widgetID, entry, source string) error
	Delete(ctx context.Context, widgetID string) error
	Load(ctx context.Context, widgetID string) (*Widget, error)
	LoadAll(ctx context.Context) ([]Widget, error)
	Close() error
}

// Nop discards everything. It is the store used when persistence is off.
type Nop struct{}

func (Nop) SaveEntry(context.Context, string, string, string) error { return nil }
func (Nop) Delete(context.Context, string) error                    { return nil }
func (Nop) Load(context.Context, string) (*Widget, error)          { return nil, ErrNotFound }
func (Nop) LoadAll(context.Context) ([]Widget, error)              { return nil, nil }
func (Nop) Close() error                                           { return nil }

func sortWidgets(ws []Widget) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.StoreNone, "":
		return Nop{}, nil
	case config.StoreFile:
		return OpenFile(cfg.Path)
	case config.StoreRedis:
		s := NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, WithPrefix(cfg.Redis.Prefix))
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

package repo

import (
	"context"
	"testing"

	"github.com/ilyaizen/habistat/pkg/db/dbtest"
	"github.com/ilyaizen/habistat/pkg/db/models"
)

func TestNewBaseStoresConnection(t *testing.T) {
	db := dbtest.Open(t).DB()
	base := NewBase(db)

	if base.db != db {
		t.Fatalf("expected base db to match provided connection")
	}
}

func TestBaseDB_BindsContext(t *testing.T) {
	db := dbtest.Open(t).DB()
	base := NewBase(db)

	ctx := context.WithValue(context.Background(), struct{}{}, "value")
	withCtx := base.DB(ctx)

	if withCtx == nil {
		t.Fatalf("expected non-nil DB when context provided")
	}
	if withCtx.Statement == nil {
		t.Fatalf("expected statement created after WithContext")
	}
	if withCtx.Statement.Context != ctx {
		t.Fatalf("expected context to flow through, got %v", withCtx.Statement.Context)
	}

	withoutCtx := base.DB(nil)
	if withoutCtx != db {
		t.Fatalf("expected nil context to return raw connection")
	}
}

func TestBaseUpsert_OverwritesListedColumns(t *testing.T) {
	db := dbtest.Open(t).DB()
	base := NewBase(db)
	ctx := context.Background()

	first := models.EntityWatermark{Kind: models.KindHabits, LastSyncTimestamp: 10}
	if err := base.upsert(ctx, &first, "kind", "last_sync_timestamp"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second := models.EntityWatermark{Kind: models.KindHabits, LastSyncTimestamp: 25}
	if err := base.upsert(ctx, &second, "kind", "last_sync_timestamp"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var rows []models.EntityWatermark
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 1 || rows[0].LastSyncTimestamp != 25 {
		t.Fatalf("expected a single row at 25, got %+v", rows)
	}
}

package config

import (
	"errors"
	"strings"

	"github.com/buildfocus/equipcast_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrImmutableRecord is returned for any attempt to update an ingested raw
// record, or to delete one outside a batch cascade. Hitting it is a
// programming error; the Bronze layer is append-only.
var ErrImmutableRecord = errors.New("raw record is immutable")

// ImmutabilityGuardPlugin blocks update/delete against the Bronze tables at
// the data-access layer, so the append-only invariant cannot be bypassed by
// new application code.
//
// Allowed operations:
// - insert (new batch / new records)
// - updates to raw_batches while the batch is still open (completed_at unset);
//   a batch with completed_at is sealed, records themselves never change
// - deletes against raw_records and raw_batches ONLY inside a pruning cascade,
//   marked via utils.SetBatchCascadeInContext.
type ImmutabilityGuardPlugin struct{}

func NewImmutabilityGuardPlugin() *ImmutabilityGuardPlugin { return &ImmutabilityGuardPlugin{} }

func (p *ImmutabilityGuardPlugin) Name() string { return "immutability_guard" }

func (p *ImmutabilityGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("immutability_guard:update", immutabilityUpdateCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("immutability_guard:delete", immutabilityDeleteCallback); err != nil {
		return err
	}
	return nil
}

func immutabilityUpdateCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	if strings.EqualFold(db.Statement.Table, "raw_records") {
		_ = db.AddError(ErrImmutableRecord)
		return
	}
	if !strings.EqualFold(db.Statement.Table, "raw_batches") {
		return
	}
	if db.Statement.Context != nil && utils.IsBatchCascadeContext(db.Statement.Context) {
		return
	}
	// Batch bookkeeping stays writable while the batch is open; once
	// completed_at is set the row is sealed. Re-run the statement's own
	// conditions against sealed rows to see whether any would be touched.
	sealed := db.Session(&gorm.Session{NewDB: true}).
		Table(db.Statement.Table).
		Where("completed_at IS NOT NULL")
	if where, ok := db.Statement.Clauses["WHERE"]; ok {
		if cond, ok := where.Expression.(clause.Where); ok && len(cond.Exprs) > 0 {
			sealed = sealed.Where(clause.Where{Exprs: cond.Exprs})
		}
	}
	var hits int64
	if err := sealed.Count(&hits).Error; err != nil {
		_ = db.AddError(err)
		return
	}
	if hits > 0 {
		_ = db.AddError(ErrImmutableRecord)
	}
}

func immutabilityDeleteCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	table := db.Statement.Table
	if !strings.EqualFold(table, "raw_records") && !strings.EqualFold(table, "raw_batches") {
		return
	}
	if db.Statement.Context != nil && utils.IsBatchCascadeContext(db.Statement.Context) {
		return
	}
	_ = db.AddError(ErrImmutableRecord)
}

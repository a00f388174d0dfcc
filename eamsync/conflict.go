package eamsync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/buildfocus/equipcast_backend/config"
	"github.com/buildfocus/equipcast_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DetectConflicts runs the three-way check for every field in the queued
// delta. A field is in conflict only when the external system moved away from
// the recorded base AND landed on something other than the local edit:
//
//	external == base   -> external untouched, safe to push
//	external == local  -> both sides converged, safe (no-op) to push
//	otherwise          -> divergent edit, needs a human decision
func DetectConflicts(base, delta, external map[string]string) []models.FieldConflict {
	fields := make([]string, 0, len(delta))
	for f := range delta {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var conflicts []models.FieldConflict
	for _, field := range fields {
		baseVal := base[field]
		localVal := delta[field]
		externalVal, seen := external[field]
		if !seen {
			// The external record no longer carries the field; treat as
			// unchanged so the push decides.
			continue
		}
		if valuesEqual(externalVal, baseVal) || valuesEqual(externalVal, localVal) {
			continue
		}
		conflicts = append(conflicts, models.FieldConflict{
			Field:    field,
			Base:     baseVal,
			Local:    localVal,
			External: externalVal,
		})
	}
	return conflicts
}

// valuesEqual compares two field values numerically when both parse as
// decimals, textually otherwise. Forecast amounts come back from Titan with
// varying scale ("100" vs "100.00") and must not be flagged as divergent.
func valuesEqual(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == b {
		return true
	}
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	if errA == nil && errB == nil {
		return da.Equal(db)
	}
	return false
}

// Resolver closes conflicts by an operator's explicit choice and routes the
// queue item accordingly.
type Resolver struct {
	db       *gorm.DB
	notifier *Notifier
}

func NewResolver(db *gorm.DB, notifier *Notifier) *Resolver {
	return &Resolver{db: db, notifier: notifier}
}

// Resolve applies one of the three resolution strategies:
//
//	use_local    requeue the original delta against the external values as
//	             the new base, so the push overwrites the external edit
//	use_external accept the external values, complete the item, push nothing
//	merge        requeue an operator-supplied field set as the new delta
func (r *Resolver) Resolve(ctx context.Context, conflictId uint, input *ResolveConflictRequest) (*models.SyncConflict, error) {
	conflict, err := models.GetSyncConflict(ctx, r.db, conflictId)
	if err != nil {
		return nil, err
	}
	if conflict.Status != models.ConflictStatusUnresolved {
		return nil, fmt.Errorf("conflict %d already resolved", conflictId)
	}

	item, err := models.GetWriteQueueItem(ctx, r.db, conflict.QueueItemId)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("queue item %d for conflict %d not found", conflict.QueueItemId, conflictId)
	}

	// The conflict snapshot carries the external values observed at detection
	// time. They become the new base so a repeated divergence is caught again.
	newBase := item.Base()
	for _, fc := range conflict.Fields() {
		newBase[fc.Field] = fc.External
	}

	switch input.Resolution {
	case models.ResolutionUseLocal:
		if err := models.RequeueItem(ctx, r.db, item.ID, newBase, item.Delta()); err != nil {
			return nil, err
		}
	case models.ResolutionUseExternal:
		if err := models.CompleteItemFromConflict(ctx, r.db, item.ID); err != nil {
			return nil, err
		}
	case models.ResolutionMerge:
		if len(input.Fields) == 0 {
			return nil, fmt.Errorf("merge resolution requires fields")
		}
		if err := models.RequeueItem(ctx, r.db, item.ID, newBase, input.Fields); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown resolution %q", input.Resolution)
	}

	if err := models.CloseSyncConflict(ctx, r.db, conflictId, input.Resolution); err != nil {
		return nil, err
	}

	config.GetLogger().WithFields(logrus.Fields{
		"conflictId": conflictId,
		"queueItem":  item.ID,
		"resolution": input.Resolution,
	}).Info("sync conflict resolved")

	if r.notifier != nil {
		r.notifier.Publish(ctx, conflict.OrganizationId, Event{
			Type:       EventConflictResolved,
			EntityType: conflict.EntityType,
			ExternalId: conflict.ExternalId,
			Detail:     input.Resolution,
		})
	}

	return models.GetSyncConflict(ctx, r.db, conflictId)
}

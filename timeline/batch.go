/*
	Tracklore
	Copyright (c) 2025 Tracklore Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// batchSize is how many records go into one storage transaction. A
// transaction failure aborts only its batch, not prior committed batches;
// resumability depends on earlier commits surviving a later failure.
const batchSize = 500

// batchProcessor translates decoded snapshot records into storage writes.
// It never aborts a whole batch for one bad record: every decodable
// record is persisted in some form -- as-is, corrected, or detached for
// later reconstruction. Invalid references are bucketed instead of
// failing: intended item links go to the staging log, samples with
// missing parents to the orphans bucket, and enabled-parent/disabled-
// sample mismatches to the scenario2 bucket.
type batchProcessor struct {
	tl      *Timeline
	log     *zap.Logger
	staging *stagingLog
	buckets *orphanBuckets
	summary *MigrationSummary
}

// insertPlaces writes one batch of places. Cross-device merges may
// duplicate places, so inserts are insert-or-ignore by id.
func (bp *batchProcessor) insertPlaces(ctx context.Context, places []Place) error {
	bp.tl.dbMu.Lock()
	defer bp.tl.dbMu.Unlock()

	tx, err := bp.tl.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning places transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, p := range places {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO places
			(id, name, latitude, longitude, radius_mean, radius_sd, visit_count, visit_days, last_saved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, nullableString(p.Name), p.Latitude, p.Longitude,
			p.RadiusMean, p.RadiusSD, p.VisitCount, p.VisitDays, now)
		if err != nil {
			bp.log.Warn("skipping place that could not be inserted",
				zap.String("place_id", p.ID), zap.Error(err))
			bp.summary.RecordsSkipped++
			continue
		}
		bp.summary.PlaceCount++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing places batch: %w", err)
	}
	return nil
}

// insertItems writes one batch of items. Each item's intended linkage is
// captured in the staging log, then both link fields are cleared so the
// insert cannot dangle; edge restore replays the log once all items of
// the run exist. A visit referencing a place that is absent from storage
// has its place reference nulled and flagged uncertain.
func (bp *batchProcessor) insertItems(ctx context.Context, items []Item) error {
	// validate place references for the whole batch up front
	var placeIDs []string
	for _, it := range items {
		if it.Visit != nil && it.Visit.PlaceID != nil {
			placeIDs = append(placeIDs, *it.Visit.PlaceID)
		}
	}
	knownPlaces, err := bp.existingPlaceIDs(ctx, placeIDs)
	if err != nil {
		return err
	}

	bp.tl.dbMu.Lock()
	defer bp.tl.dbMu.Unlock()

	tx, err := bp.tl.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning items transaction: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		// capture intended links before clearing them
		if it.PreviousItemID != nil || it.NextItemID != nil {
			if err := bp.staging.append(EdgeRecord{
				ItemID:     it.ID,
				PreviousID: it.PreviousItemID,
				NextID:     it.NextItemID,
			}); err != nil {
				return err
			}
			it.PreviousItemID, it.NextItemID = nil, nil
		}

		if it.Visit != nil {
			if it.Visit.PlaceID != nil {
				if _, ok := knownPlaces[*it.Visit.PlaceID]; !ok {
					it.Visit.PlaceID = nil
					it.Visit.UncertainPlace = true
					it.Visit.ConfirmedPlace = false
				}
			}
		}

		if err := insertItemTx(ctx, tx, it); err != nil {
			bp.log.Warn("skipping item that could not be inserted",
				zap.String("item_id", it.ID), zap.Error(err))
			bp.summary.RecordsSkipped++
			continue
		}
		bp.summary.ItemCount++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing items batch: %w", err)
	}
	return nil
}

// insertSamples writes one batch of samples. Disabled-state mismatches
// against the parent are resolved first: item disabled + sample enabled
// is auto-corrected in place; item enabled + sample disabled detaches the
// sample into the scenario2 bucket. Independently, a sample whose parent
// is absent from storage is detached into the orphans bucket. Everything
// is then inserted insert-or-ignore, so replaying a partially-committed
// batch is idempotent.
func (bp *batchProcessor) insertSamples(ctx context.Context, samples []Sample) error {
	var parentIDs []string
	for _, s := range samples {
		if s.TimelineItemID != nil {
			parentIDs = append(parentIDs, *s.TimelineItemID)
		}
	}
	parents, err := bp.itemDisabledStates(ctx, parentIDs)
	if err != nil {
		return err
	}

	bp.tl.dbMu.Lock()
	defer bp.tl.dbMu.Unlock()

	tx, err := bp.tl.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning samples transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, s := range samples {
		if s.TimelineItemID != nil {
			parentID := *s.TimelineItemID
			if parentDisabled, ok := parents[parentID]; ok {
				switch {
				case parentDisabled && !s.Disabled:
					// mismatched-down: correct the sample in place
					s.Disabled = true
				case !parentDisabled && s.Disabled:
					// mismatched-up: the live parent's stats must not be
					// corrupted by disabled history; reparent later
					s.TimelineItemID = nil
					bp.buckets.addScenario2(parentID, s.ID)
				}
			} else {
				// parent never arrived
				s.TimelineItemID = nil
				bp.buckets.addOrphan(parentID, s.ID)
			}
		}

		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO samples
			(id, taken_at, moving_state, disabled, timeline_item_id,
			latitude, longitude, altitude, speed, course, classified_activity, last_saved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.TakenAt.UnixMilli(), string(s.MovingState), s.Disabled, s.TimelineItemID,
			s.Latitude, s.Longitude, s.Altitude, s.Speed, s.Course, s.ClassifiedActivity, now)
		if err != nil {
			bp.log.Warn("skipping sample that could not be inserted",
				zap.String("sample_id", s.ID), zap.Error(err))
			bp.summary.RecordsSkipped++
			continue
		}
		bp.summary.SampleCount++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing samples batch: %w", err)
	}
	return nil
}

// existingPlaceIDs returns which of the given place ids exist in storage.
func (bp *batchProcessor) existingPlaceIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	q := `SELECT id FROM places WHERE id IN ` + placeholders(len(ids))

	bp.tl.dbMu.RLock()
	defer bp.tl.dbMu.RUnlock()

	rows, err := bp.tl.db.QueryContext(ctx, q, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying place ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning place id: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// itemDisabledStates returns, for each of the given item ids that exists
// in storage, its disabled flag. Absence from the map means the item does
// not exist in the target store.
func (bp *batchProcessor) itemDisabledStates(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	q := `SELECT id, disabled FROM timeline_items WHERE id IN ` + placeholders(len(ids))

	bp.tl.dbMu.RLock()
	defer bp.tl.dbMu.RUnlock()

	rows, err := bp.tl.db.QueryContext(ctx, q, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying parent items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var disabled bool
		if err := rows.Scan(&id, &disabled); err != nil {
			return nil, fmt.Errorf("scanning parent item: %w", err)
		}
		out[id] = disabled
	}
	return out, rows.Err()
}

// insertItemTx inserts an item and its visit/trip variant, insert-or-
// ignore by id, with link fields as given (callers clear them during
// import). The caller must hold the DB lock.
func insertItemTx(ctx context.Context, tx *sql.Tx, it Item) error {
	now := time.Now().UnixMilli()

	var startMs, endMs *int64
	if !it.Start.IsZero() {
		v := it.Start.UnixMilli()
		startMs = &v
	}
	if !it.End.IsZero() {
		v := it.End.UnixMilli()
		endMs = &v
	}

	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO timeline_items
		(id, is_visit, start_date, end_date, disabled, deleted, previous_item_id, next_item_id, last_saved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.IsVisit, startMs, endMs, it.Disabled, it.Deleted,
		it.PreviousItemID, it.NextItemID, now)
	if err != nil {
		return fmt.Errorf("inserting item: %w", err)
	}

	switch {
	case it.IsVisit && it.Visit != nil:
		v := it.Visit
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO visits
			(item_id, latitude, longitude, radius_mean, radius_sd, place_id, confirmed_place, uncertain_place, custom_title)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, v.Latitude, v.Longitude, v.RadiusMean, v.RadiusSD,
			v.PlaceID, v.ConfirmedPlace, v.UncertainPlace, v.CustomTitle)
		if err != nil {
			return fmt.Errorf("inserting visit: %w", err)
		}
	case !it.IsVisit && it.Trip != nil:
		t := it.Trip
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO trips
			(item_id, distance, classified_activity, confirmed_activity)
			VALUES (?, ?, ?, ?)`,
			it.ID, t.Distance, t.ClassifiedActivity, t.ConfirmedActivity)
		if err != nil {
			return fmt.Errorf("inserting trip: %w", err)
		}
	}

	return nil
}

func placeholders(n int) string {
	return "(?" + strings.Repeat(", ?", n-1) + ")"
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

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
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// minimumValidSamples is the smallest orphan group that can plausibly be
// reconstructed as a single parent item; smaller groups explode into one
// singleton item per sample.
const minimumValidSamples = 2

// A group whose stationary ratio is above visitStationaryRatio is
// recreated as one visit; below tripStationaryRatio, as one trip; a mixed
// group falls back to singleton explosion.
const (
	visitStationaryRatio = 0.8
	tripStationaryRatio  = 0.2
)

type groupResolution int

const (
	resolveSingletons groupResolution = iota
	resolveAsVisit
	resolveAsTrip
)

// classifyOrphanGroup decides how a group of detached samples should be
// reconstructed. Ratios exactly at a boundary are mixed, not decisive.
func classifyOrphanGroup(samples []Sample) groupResolution {
	if len(samples) < minimumValidSamples {
		return resolveSingletons
	}
	var stationary int
	for _, s := range samples {
		if s.MovingState == MovingStateStationary {
			stationary++
		}
	}
	ratio := float64(stationary) / float64(len(samples))
	switch {
	case ratio > visitStationaryRatio:
		return resolveAsVisit
	case ratio < tripStationaryRatio:
		return resolveAsTrip
	default:
		return resolveSingletons
	}
}

// orphanResolver reconstructs plausible parent items for detached
// samples. It runs strictly after the full samples phase, never
// interleaved with it, because group membership is only complete once
// every snapshot sample file has been scanned.
type orphanResolver struct {
	tl      *Timeline
	log     *zap.Logger
	run     *RunHandle
	buckets *orphanBuckets
	summary *MigrationSummary
}

// resolve processes both buckets. Group membership is rebuilt by
// re-querying samples by id, so a resumed run resolves against current
// storage rather than stale in-memory state.
func (or *orphanResolver) resolve(ctx context.Context) error {
	or.run.SetPhase("recovering orphans", len(or.buckets.Orphans)+len(or.buckets.Scenario2))

	for _, parentID := range sortedKeys(or.buckets.Orphans) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := or.resolveOrphanGroup(ctx, parentID, or.buckets.Orphans[parentID]); err != nil {
			return fmt.Errorf("resolving orphan group %s: %w", parentID, err)
		}
		or.run.Progress(1)
	}

	for _, parentID := range sortedKeys(or.buckets.Scenario2) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := or.resolveMismatchGroup(ctx, parentID, or.buckets.Scenario2[parentID]); err != nil {
			return fmt.Errorf("resolving mismatch group %s: %w", parentID, err)
		}
		or.run.Progress(1)
	}

	return nil
}

// resolveOrphanGroup reconstructs a parent for samples whose original
// parent never arrived. A coherent group is recreated as exactly one item
// under the original parent id; otherwise each sample becomes a singleton
// item typed by its own moving state.
func (or *orphanResolver) resolveOrphanGroup(ctx context.Context, parentID string, sampleIDs []string) error {
	samples, err := or.loadSamples(ctx, sampleIDs)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	var items []Item
	var assignments map[string]string // sample id -> new parent id

	switch classifyOrphanGroup(samples) {
	case resolveAsVisit:
		// recreate the parent as one visit spanning the whole group
		items = []Item{rebuiltItem(parentID, true, samples)}
		assignments = assignAll(samples, parentID)
	case resolveAsTrip:
		items = []Item{rebuiltItem(parentID, false, samples)}
		assignments = assignAll(samples, parentID)
	case resolveSingletons:
		assignments = make(map[string]string, len(samples))
		for _, s := range samples {
			isVisit := s.MovingState == MovingStateStationary
			item := rebuiltItem(uuid.NewString(), isVisit, []Sample{s})
			items = append(items, item)
			assignments[s.ID] = item.ID
		}
	}

	if err := or.applyResolution(ctx, items, assignments); err != nil {
		return err
	}

	or.summary.OrphansRecovered += int64(len(samples))
	or.log.Info("recovered orphaned samples",
		zap.String("original_parent_id", parentID),
		zap.Int("sample_count", len(samples)),
		zap.Int("recreated_items", len(items)))
	return nil
}

// resolveMismatchGroup preserves disabled samples whose live parent is
// enabled: a new disabled item of the same variant takes the group, with
// the parent's descriptive metadata copied but none of its enabled or
// confirmed statistics, so the live parent's stats are not corrupted.
func (or *orphanResolver) resolveMismatchGroup(ctx context.Context, parentID string, sampleIDs []string) error {
	samples, err := or.loadSamples(ctx, sampleIDs)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	parent, err := or.loadItem(ctx, parentID)
	if errors.Is(err, sql.ErrNoRows) {
		// the live parent disappeared between bucketing and resolution;
		// the group is now effectively orphaned
		return or.resolveOrphanGroup(ctx, parentID, sampleIDs)
	}
	if err != nil {
		return err
	}

	if parent.Disabled {
		// the parent's state changed between runs and now matches the
		// samples; reattach directly instead of preserving a second copy
		return or.applyResolution(ctx, nil, assignAll(samples, parentID))
	}

	preserved := rebuiltItem(uuid.NewString(), parent.IsVisit, samples)
	preserved.Disabled = true
	if parent.IsVisit && parent.Visit != nil {
		preserved.Visit.PlaceID = parent.Visit.PlaceID
		preserved.Visit.UncertainPlace = parent.Visit.UncertainPlace
		preserved.Visit.CustomTitle = parent.Visit.CustomTitle
		// deliberately not ConfirmedPlace: confirmation belongs to the
		// live parent's stats
	}
	if !parent.IsVisit && parent.Trip != nil {
		preserved.Trip.ClassifiedActivity = parent.Trip.ClassifiedActivity
	}

	if err := or.applyResolution(ctx, []Item{preserved}, assignAll(samples, preserved.ID)); err != nil {
		return err
	}

	or.summary.MismatchesPreserved += int64(len(samples))
	or.log.Info("preserved disabled samples under new parent",
		zap.String("live_parent_id", parentID),
		zap.String("preserved_parent_id", preserved.ID),
		zap.Int("sample_count", len(samples)))
	return nil
}

// applyResolution inserts the reconstructed items and reassigns samples
// in one batch-scoped transaction. Inserts are insert-or-ignore, so
// replaying a resolution after a crash is safe.
func (or *orphanResolver) applyResolution(ctx context.Context, items []Item, assignments map[string]string) error {
	or.tl.dbMu.Lock()
	defer or.tl.dbMu.Unlock()

	tx, err := or.tl.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning resolution transaction: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		if err := insertItemTx(ctx, tx, it); err != nil {
			return err
		}
	}

	now := time.Now().UnixMilli()
	for _, sampleID := range sortedKeys(assignments) {
		_, err := tx.ExecContext(ctx,
			`UPDATE samples SET timeline_item_id=?, last_saved=? WHERE id=?`,
			assignments[sampleID], now, sampleID)
		if err != nil {
			return fmt.Errorf("reassigning sample %s: %w", sampleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing resolution: %w", err)
	}
	return nil
}

// rebuiltItem constructs a plausible parent item of the given variant
// spanning the given samples.
func rebuiltItem(id string, isVisit bool, samples []Sample) Item {
	start, end := samples[0].TakenAt, samples[0].TakenAt
	for _, s := range samples[1:] {
		if s.TakenAt.Before(start) {
			start = s.TakenAt
		}
		if s.TakenAt.After(end) {
			end = s.TakenAt
		}
	}

	item := Item{
		ID:       id,
		IsVisit:  isVisit,
		Start:    start,
		End:      end,
		Disabled: samples[0].Disabled,
	}

	if isVisit {
		lat, lon := sampleCentroid(samples)
		mean, sd := radiusStats(samples, lat, lon)
		item.Visit = &Visit{
			Latitude:   lat,
			Longitude:  lon,
			RadiusMean: mean,
			RadiusSD:   sd,
		}
	} else {
		item.Trip = &Trip{Distance: pathDistance(samples)}
	}
	return item
}

func assignAll(samples []Sample, parentID string) map[string]string {
	m := make(map[string]string, len(samples))
	for _, s := range samples {
		m[s.ID] = parentID
	}
	return m
}

func sampleCentroid(samples []Sample) (lat, lon float64) {
	var n int
	for _, s := range samples {
		if s.Latitude == nil || s.Longitude == nil {
			continue
		}
		lat += *s.Latitude
		lon += *s.Longitude
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return lat / float64(n), lon / float64(n)
}

func radiusStats(samples []Sample, centerLat, centerLon float64) (mean, sd float64) {
	var dists []float64
	for _, s := range samples {
		if s.Latitude == nil || s.Longitude == nil {
			continue
		}
		dists = append(dists, haversineMeters(centerLat, centerLon, *s.Latitude, *s.Longitude))
	}
	if len(dists) == 0 {
		return 0, 0
	}
	for _, d := range dists {
		mean += d
	}
	mean /= float64(len(dists))
	for _, d := range dists {
		sd += (d - mean) * (d - mean)
	}
	sd = math.Sqrt(sd / float64(len(dists)))
	return mean, sd
}

func pathDistance(samples []Sample) float64 {
	ordered := make([]Sample, len(samples))
	copy(ordered, samples)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].TakenAt.Before(ordered[j].TakenAt) })

	var total float64
	var prev *Sample
	for i := range ordered {
		s := &ordered[i]
		if s.Latitude == nil || s.Longitude == nil {
			continue
		}
		if prev != nil {
			total += haversineMeters(*prev.Latitude, *prev.Longitude, *s.Latitude, *s.Longitude)
		}
		prev = s
	}
	return total
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// loadSamples fetches samples by id from storage. Ids that were dropped
// at decode time simply come back absent.
func (or *orphanResolver) loadSamples(ctx context.Context, ids []string) ([]Sample, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q := `SELECT id, taken_at, moving_state, disabled, timeline_item_id,
		latitude, longitude, altitude, speed, course, classified_activity
		FROM samples WHERE id IN ` + placeholders(len(ids))

	or.tl.dbMu.RLock()
	defer or.tl.dbMu.RUnlock()

	rows, err := or.tl.db.QueryContext(ctx, q, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var s Sample
		var takenAtMs int64
		var state string
		err := rows.Scan(&s.ID, &takenAtMs, &state, &s.Disabled, &s.TimelineItemID,
			&s.Latitude, &s.Longitude, &s.Altitude, &s.Speed, &s.Course, &s.ClassifiedActivity)
		if err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		s.TakenAt = msToTime(takenAtMs)
		s.MovingState = MovingState(state)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// loadItem fetches one item with its visit or trip variant.
// Returns sql.ErrNoRows if the item does not exist.
func (or *orphanResolver) loadItem(ctx context.Context, id string) (Item, error) {
	or.tl.dbMu.RLock()
	defer or.tl.dbMu.RUnlock()

	var it Item
	var startMs, endMs *int64
	err := or.tl.db.QueryRowContext(ctx,
		`SELECT id, is_visit, start_date, end_date, disabled, deleted, previous_item_id, next_item_id
		FROM timeline_items WHERE id=? LIMIT 1`, id).
		Scan(&it.ID, &it.IsVisit, &startMs, &endMs, &it.Disabled, &it.Deleted,
			&it.PreviousItemID, &it.NextItemID)
	if err != nil {
		return Item{}, err
	}
	if t := msToTimePtr(startMs); t != nil {
		it.Start = *t
	}
	if t := msToTimePtr(endMs); t != nil {
		it.End = *t
	}

	if it.IsVisit {
		var v Visit
		err := or.tl.db.QueryRowContext(ctx,
			`SELECT latitude, longitude, radius_mean, radius_sd, place_id, confirmed_place, uncertain_place, custom_title
			FROM visits WHERE item_id=? LIMIT 1`, id).
			Scan(&v.Latitude, &v.Longitude, &v.RadiusMean, &v.RadiusSD,
				&v.PlaceID, &v.ConfirmedPlace, &v.UncertainPlace, &v.CustomTitle)
		if err == nil {
			it.Visit = &v
		} else if !errors.Is(err, sql.ErrNoRows) {
			return Item{}, fmt.Errorf("loading visit: %w", err)
		}
	} else {
		var t Trip
		err := or.tl.db.QueryRowContext(ctx,
			`SELECT distance, classified_activity, confirmed_activity
			FROM trips WHERE item_id=? LIMIT 1`, id).
			Scan(&t.Distance, &t.ClassifiedActivity, &t.ConfirmedActivity)
		if err == nil {
			it.Trip = &t
		} else if !errors.Is(err, sql.ErrNoRows) {
			return Item{}, fmt.Errorf("loading trip: %w", err)
		}
	}

	return it, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

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
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExportOptions configures one export run.
type ExportOptions struct {
	// To is the directory under which the snapshot is written. Full
	// exports get a fresh timestamped subdirectory; incremental exports
	// reuse a fixed "current" subdirectory.
	To string

	Type ExportType

	// Compress writes bucket files gzipped (.json.gz).
	Compress bool

	Extensions []Extension
}

// Export writes a snapshot of the timeline store to opts.To. A full
// export rewrites every bucket; an incremental export rewrites only the
// buckets containing records saved since the destination's previous
// export, bounded above by this session's start so records saved during
// the export land in the next one.
func (tl *Timeline) Export(ctx context.Context, opts ExportOptions) (*MigrationSummary, error) {
	run, err := tl.runs.begin(ctx, RunKindExport, opts.To)
	if err != nil {
		return nil, err
	}

	exp := &exporter{
		tl:      tl,
		run:     run,
		opts:    opts,
		summary: &MigrationSummary{Kind: RunKindExport, Started: time.Now().UTC()},
	}

	summary, err := exp.export()
	run.finish(err)
	return summary, err
}

type exporter struct {
	tl      *Timeline
	run     *RunHandle
	opts    ExportOptions
	snap    *snapshot
	summary *MigrationSummary

	sessionStart time.Time
	lastBackup   *time.Time // nil for full exports

	manifest *Manifest
}

func (e *exporter) export() (*MigrationSummary, error) {
	ctx := e.run.Context()
	e.sessionStart = time.Now().UTC()
	if e.opts.Type == "" {
		e.opts.Type = ExportTypeFull
	}

	root := e.opts.To
	if e.opts.Type == ExportTypeFull {
		root = filepath.Join(root, "export-"+e.sessionStart.Format("20060102-150405"))
	} else {
		root = filepath.Join(root, "current")
	}
	e.snap = &snapshot{root: root, fc: e.tl.files, compress: e.opts.Compress}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	var priorChecksums map[string]string
	if e.opts.Type == ExportTypeIncremental {
		// destinations synced by file-sync services accumulate conflict
		// copies; they are ours to delete, never to read
		if purged, err := e.snap.purgeConflictCopies(e.run.Logger()); err != nil {
			return nil, fmt.Errorf("purging conflict copies: %w", err)
		} else if purged > 0 {
			e.run.Logger().Info("purged conflict copies from destination", zap.Int("count", purged))
		}

		prior, err := e.snap.readManifest()
		if err == nil {
			e.lastBackup = prior.LastBackupDate
			priorChecksums = prior.Checksums
		} else {
			// no usable prior manifest means everything is stale
			e.run.Logger().Info("no prior manifest at destination, exporting everything", zap.Error(err))
		}
	}

	e.manifest = &Manifest{
		SchemaVersion:  schemaVersion,
		ExportID:       uuid.NewString(),
		ExportMode:     "snapshot",
		ExportType:     e.opts.Type,
		SessionStart:   e.sessionStart,
		LastBackupDate: e.lastBackup,
		Checksums:      make(map[string]string),
	}
	for k, v := range priorChecksums {
		e.manifest.Checksums[k] = v
	}

	// the manifest is written up front with all completion flags false
	// so an interrupted export is detectable by the next incremental
	if err := e.snap.writeManifest(e.manifest); err != nil {
		return nil, err
	}

	phases := []struct {
		name string
		fn   func(context.Context) error
		flag *bool
	}{
		{string(PhasePlaces), e.exportPlaces, &e.manifest.PlacesCompleted},
		{string(PhaseItems), e.exportItems, &e.manifest.ItemsCompleted},
		{string(PhaseSamples), e.exportSamples, &e.manifest.SamplesCompleted},
		{string(PhaseExtensions), e.exportExtensions, nil},
	}
	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ph.fn(ctx); err != nil {
			return nil, fmt.Errorf("%s phase: %w", ph.name, err)
		}
		if ph.flag != nil {
			*ph.flag = true
			if err := e.snap.writeManifest(e.manifest); err != nil {
				return nil, err
			}
		}
	}

	return e.finalize(ctx)
}

func (e *exporter) finalize(ctx context.Context) (*MigrationSummary, error) {
	stats, err := e.storeStats(ctx)
	if err != nil {
		return nil, err
	}
	finish := time.Now().UTC()

	e.manifest.Stats = stats
	e.manifest.SessionFinish = &finish
	e.manifest.LastBackupDate = &e.sessionStart
	if err := e.snap.writeManifest(e.manifest); err != nil {
		return nil, err
	}

	e.summary.Finished = finish
	e.run.Logger().Info("export complete",
		zap.String("export_id", e.manifest.ExportID),
		zap.String("type", string(e.opts.Type)),
		zap.Int64("places_written", e.summary.PlaceCount),
		zap.Int64("items_written", e.summary.ItemCount),
		zap.Int64("samples_written", e.summary.SampleCount))
	return e.summary, nil
}

// storeStats counts the whole store, not just what this session wrote,
// so incremental manifests still describe the full data set.
func (e *exporter) storeStats(ctx context.Context) (ManifestStats, error) {
	var stats ManifestStats
	e.tl.dbMu.RLock()
	defer e.tl.dbMu.RUnlock()

	for _, q := range []struct {
		query string
		dest  *int64
	}{
		{`SELECT count() FROM places`, &stats.PlaceCount},
		{`SELECT count() FROM timeline_items WHERE deleted=0`, &stats.ItemCount},
		{`SELECT count() FROM samples`, &stats.SampleCount},
	} {
		if err := e.tl.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return stats, fmt.Errorf("counting records: %w", err)
		}
	}
	return stats, nil
}

// staleBoundSQL appends the incremental last_saved bound to a WHERE
// clause. Full exports only get the upper bound, so records saved after
// the session started are left for the next export.
func (e *exporter) staleBound() (string, []any) {
	upper := e.sessionStart.UnixMilli()
	if e.lastBackup == nil {
		return ` AND last_saved <= ?`, []any{upper}
	}
	return ` AND last_saved > ? AND last_saved <= ?`, []any{e.lastBackup.UnixMilli(), upper}
}

func (e *exporter) exportPlaces(ctx context.Context) error {
	bound, args := e.staleBound()

	// key discovery must enumerate only buckets with stale records, or
	// incremental exports would rewrite the entire tree every session
	keys, err := e.distinctKeys(ctx,
		`SELECT DISTINCT upper(substr(id, 1, 1)) FROM places WHERE 1=1`+bound, args)
	if err != nil {
		return err
	}

	e.run.SetPhase(string(PhasePlaces), len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.run.Message("Writing places " + key)

		places, err := e.loadPlaceBucket(ctx, key)
		if err != nil {
			return err
		}
		if err := e.writeBucket(placesDirName, key, places); err != nil {
			return err
		}
		e.summary.PlaceCount += int64(len(places))
		e.run.Progress(1)
	}
	return nil
}

func (e *exporter) exportItems(ctx context.Context) error {
	bound, args := e.staleBound()

	keys, err := e.distinctKeys(ctx,
		`SELECT DISTINCT strftime('%Y-%m', start_date/1000, 'unixepoch')
		FROM timeline_items WHERE deleted=0 AND start_date IS NOT NULL`+bound, args)
	if err != nil {
		return err
	}

	e.run.SetPhase(string(PhaseItems), len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.run.Message("Writing items " + key)

		items, err := e.loadItemBucket(ctx, key)
		if err != nil {
			return err
		}
		if err := e.writeBucket(itemsDirName, key, items); err != nil {
			return err
		}
		e.summary.ItemCount += int64(len(items))
		e.run.Progress(1)
	}
	return nil
}

func (e *exporter) exportSamples(ctx context.Context) error {
	bound, args := e.staleBound()

	// week keys cannot be computed in SQL, so enumerate distinct days
	// and reduce to the Mondays that start each ISO week
	days, err := e.distinctInt64s(ctx,
		`SELECT DISTINCT taken_at/86400000 FROM samples WHERE 1=1`+bound, args)
	if err != nil {
		return err
	}
	weekSet := make(map[string]time.Time)
	for _, day := range days {
		t := time.Unix(day*86400, 0).UTC()
		weekSet[sampleBucketKey(t)] = weekStart(t)
	}
	keys := sortedKeys(weekSet)

	e.run.SetPhase(string(PhaseSamples), len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.run.Message("Writing samples " + key)

		samples, err := e.loadSampleBucket(ctx, weekSet[key])
		if err != nil {
			return err
		}
		if err := e.writeBucket(samplesDirName, key, samples); err != nil {
			return err
		}
		e.summary.SampleCount += int64(len(samples))
		e.run.Progress(1)
	}
	return nil
}

func (e *exporter) exportExtensions(ctx context.Context) error {
	e.run.SetPhase(string(PhaseExtensions), len(e.opts.Extensions))
	for _, ext := range e.opts.Extensions {
		if err := ctx.Err(); err != nil {
			return err
		}

		dir, err := extensionDir(e.snap.root, ext)
		if err != nil {
			return err
		}
		count, err := ext.Export(ctx, dir, e.opts.Type, e.lastBackup)
		if err != nil {
			return fmt.Errorf("extension %s: %w", ext.ID(), err)
		}

		if e.manifest.Extensions == nil {
			e.manifest.Extensions = make(map[string]ExtensionState)
		}
		e.manifest.Extensions[ext.ID()] = ExtensionState{RecordCount: count}
		if e.summary.ExtensionCounts == nil {
			e.summary.ExtensionCounts = make(map[string]int64)
		}
		e.summary.ExtensionCounts[ext.ID()] = count
		e.run.Progress(1)
	}
	return nil
}

// writeBucket writes one complete bucket (every record in the bucket,
// stale or not) and records its checksum in the manifest under the
// slash-relative bucket path.
func (e *exporter) writeBucket(sub, key string, records any) error {
	digest, err := e.snap.writeBucket(sub, key, records)
	if err != nil {
		return err
	}
	name := key + ".json"
	if e.opts.Compress {
		name += ".gz"
	}
	e.manifest.Checksums[path.Join(sub, name)] = digest
	return nil
}

// distinctKeys runs a single-column string query. The scan is done under
// the read lock but is deliberately not bound to the run's context, so a
// mid-enumeration cancellation cannot yield a truncated key list mistaken
// for a complete one.
func (e *exporter) distinctKeys(ctx context.Context, query string, args []any) ([]string, error) {
	e.tl.dbMu.RLock()
	defer e.tl.dbMu.RUnlock()

	rows, err := e.tl.db.QueryContext(context.WithoutCancel(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("enumerating buckets: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (e *exporter) distinctInt64s(ctx context.Context, query string, args []any) ([]int64, error) {
	e.tl.dbMu.RLock()
	defer e.tl.dbMu.RUnlock()

	rows, err := e.tl.db.QueryContext(context.WithoutCancel(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("enumerating buckets: %w", err)
	}
	defer rows.Close()

	var vals []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, rows.Err()
}

func (e *exporter) loadPlaceBucket(ctx context.Context, key string) ([]Place, error) {
	e.tl.dbMu.RLock()
	defer e.tl.dbMu.RUnlock()

	rows, err := e.tl.db.QueryContext(ctx,
		`SELECT id, name, latitude, longitude, radius_mean, radius_sd,
			visit_count, visit_days, last_saved
		FROM places WHERE upper(substr(id, 1, 1)) = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("loading place bucket %s: %w", key, err)
	}
	defer rows.Close()

	var places []Place
	for rows.Next() {
		var p Place
		var name sql.NullString
		var lastSaved int64
		if err := rows.Scan(&p.ID, &name, &p.Latitude, &p.Longitude,
			&p.RadiusMean, &p.RadiusSD, &p.VisitCount, &p.VisitDays, &lastSaved); err != nil {
			return nil, err
		}
		p.Name = name.String
		p.LastSaved = msToTime(lastSaved)
		places = append(places, p)
	}
	return places, rows.Err()
}

func (e *exporter) loadItemBucket(ctx context.Context, key string) ([]Item, error) {
	e.tl.dbMu.RLock()
	defer e.tl.dbMu.RUnlock()

	rows, err := e.tl.db.QueryContext(ctx,
		`SELECT i.id, i.is_visit, i.start_date, i.end_date, i.disabled, i.deleted,
			i.previous_item_id, i.next_item_id, i.last_saved,
			v.latitude, v.longitude, v.radius_mean, v.radius_sd,
			v.place_id, v.confirmed_place, v.uncertain_place, v.custom_title,
			t.distance, t.classified_activity, t.confirmed_activity
		FROM timeline_items i
		LEFT JOIN visits v ON v.item_id = i.id
		LEFT JOIN trips t ON t.item_id = i.id
		WHERE i.deleted = 0
			AND strftime('%Y-%m', i.start_date/1000, 'unixepoch') = ?
		ORDER BY i.start_date`, key)
	if err != nil {
		return nil, fmt.Errorf("loading item bucket %s: %w", key, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// scanItem scans a joined timeline_items/visits/trips row.
func scanItem(rows interface{ Scan(...any) error }) (*Item, error) {
	var it Item
	var lastSavedMs int64
	var startMs, endMs sql.NullInt64
	var vLat, vLon, vRadMean, vRadSD sql.NullFloat64
	var vPlaceID, vCustomTitle sql.NullString
	var vConfirmed, vUncertain sql.NullBool
	var tDistance sql.NullFloat64
	var tClassified, tConfirmed sql.NullString

	if err := rows.Scan(&it.ID, &it.IsVisit, &startMs, &endMs, &it.Disabled, &it.Deleted,
		&it.PreviousItemID, &it.NextItemID, &lastSavedMs,
		&vLat, &vLon, &vRadMean, &vRadSD,
		&vPlaceID, &vConfirmed, &vUncertain, &vCustomTitle,
		&tDistance, &tClassified, &tConfirmed); err != nil {
		return nil, err
	}

	if startMs.Valid {
		it.Start = msToTime(startMs.Int64)
	}
	if endMs.Valid {
		it.End = msToTime(endMs.Int64)
	}
	it.LastSaved = msToTime(lastSavedMs)

	if it.IsVisit && vLat.Valid {
		v := &Visit{
			Latitude:       vLat.Float64,
			Longitude:      vLon.Float64,
			RadiusMean:     vRadMean.Float64,
			RadiusSD:       vRadSD.Float64,
			ConfirmedPlace: vConfirmed.Bool,
			UncertainPlace: vUncertain.Bool,
		}
		if vPlaceID.Valid {
			v.PlaceID = &vPlaceID.String
		}
		if vCustomTitle.Valid && vCustomTitle.String != "" {
			v.CustomTitle = &vCustomTitle.String
		}
		it.Visit = v
	} else if !it.IsVisit && tDistance.Valid {
		t := &Trip{Distance: tDistance.Float64}
		if tClassified.Valid && tClassified.String != "" {
			t.ClassifiedActivity = &tClassified.String
		}
		if tConfirmed.Valid && tConfirmed.String != "" {
			t.ConfirmedActivity = &tConfirmed.String
		}
		it.Trip = t
	}
	return &it, nil
}

func (e *exporter) loadSampleBucket(ctx context.Context, week time.Time) ([]Sample, error) {
	e.tl.dbMu.RLock()
	defer e.tl.dbMu.RUnlock()

	weekEnd := week.AddDate(0, 0, 7)
	rows, err := e.tl.db.QueryContext(ctx,
		`SELECT id, taken_at, moving_state, disabled, timeline_item_id,
			latitude, longitude, altitude, speed, course, classified_activity, last_saved
		FROM samples WHERE taken_at >= ? AND taken_at < ? ORDER BY taken_at`,
		week.UnixMilli(), weekEnd.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("loading sample bucket: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, *s)
	}
	return samples, rows.Err()
}

func scanSample(rows interface{ Scan(...any) error }) (*Sample, error) {
	var s Sample
	var takenMs, lastSavedMs int64
	var lat, lon, alt, speed, course sql.NullFloat64
	var classified sql.NullString

	if err := rows.Scan(&s.ID, &takenMs, &s.MovingState, &s.Disabled, &s.TimelineItemID,
		&lat, &lon, &alt, &speed, &course, &classified, &lastSavedMs); err != nil {
		return nil, err
	}

	s.TakenAt = msToTime(takenMs)
	s.LastSaved = msToTime(lastSavedMs)
	// a coordinate is meaningful only when both halves are present
	if lat.Valid && lon.Valid {
		s.Latitude = &lat.Float64
		s.Longitude = &lon.Float64
	}
	if alt.Valid {
		s.Altitude = &alt.Float64
	}
	if speed.Valid {
		s.Speed = &speed.Float64
	}
	if course.Valid {
		s.Course = &course.Float64
	}
	if classified.Valid && classified.String != "" {
		s.ClassifiedActivity = &classified.String
	}
	return &s, nil
}

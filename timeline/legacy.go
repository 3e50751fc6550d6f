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
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// LegacyMigrationOptions configures a migration from the old two-database
// schema: one database holding places and timeline items, a second
// holding locomotion samples. Legacy databases store dates as unix epoch
// seconds (REAL) and page naturally by rowid, not by file.
type LegacyMigrationOptions struct {
	TimelineDB string
	SamplesDB  string

	// Start/End scope the migration to rows in [Start, End). Zero values
	// leave the corresponding bound open.
	Start time.Time
	End   time.Time
}

// legacyExportID derives a stable identifier for a legacy migration so
// its resume marker can be told apart from a snapshot import's, and from
// a migration of different databases or a different date range.
func (opts LegacyMigrationOptions) legacyExportID() string {
	h := blake3.New()
	h.WriteString(opts.TimelineDB)
	h.WriteString("\x00")
	h.WriteString(opts.SamplesDB)
	h.WriteString("\x00")
	fmt.Fprintf(h, "%d:%d", opts.Start.UnixMilli(), opts.End.UnixMilli())
	return "legacy:" + hex.EncodeToString(h.Sum(nil)[:8])
}

// MigrateLegacy migrates records out of a legacy database pair into the
// timeline store. It runs the same phases as a snapshot import (minus
// extensions) through the same batch processor, edge restorer, and
// orphan resolver; only the source reads differ. An interrupted
// migration of the same databases and range resumes automatically; a
// partial import of anything else returns ErrPartialImportExists.
func (tl *Timeline) MigrateLegacy(ctx context.Context, opts LegacyMigrationOptions) (*MigrationSummary, error) {
	run, err := tl.runs.begin(ctx, RunKindLegacy, opts)
	if err != nil {
		return nil, err
	}

	lm := &legacyMigration{
		tl:      tl,
		run:     run,
		opts:    opts,
		summary: &MigrationSummary{Kind: RunKindLegacy, Started: time.Now().UTC()},
	}

	summary, err := lm.migrate()
	run.finish(err)
	return summary, err
}

type legacyMigration struct {
	tl      *Timeline
	run     *RunHandle
	opts    LegacyMigrationOptions
	state   *ImportState
	buckets *orphanBuckets
	summary *MigrationSummary

	timelineDB *sql.DB
	samplesDB  *sql.DB
}

func (lm *legacyMigration) migrate() (*MigrationSummary, error) {
	ctx := lm.run.Context()
	exportID := lm.opts.legacyExportID()

	st, err := lm.tl.loadImportState(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case st == nil:
		wasRecording := lm.tl.pauseRecording()
		workDir := filepath.Join(lm.tl.repoDir, importWorkDirPrefix+exportID)
		if err := os.MkdirAll(workDir, 0755); err != nil {
			lm.tl.restoreRecording(wasRecording)
			return nil, fmt.Errorf("creating migration working directory: %w", err)
		}
		lm.state = &ImportState{
			ExportID:      exportID,
			StartedAt:     time.Now().UTC(),
			Phase:         PhasePlaces,
			LocalCopyPath: workDir,
			WasRecording:  wasRecording,
		}
		if err := lm.tl.saveImportState(ctx, lm.state); err != nil {
			lm.tl.restoreRecording(wasRecording)
			return nil, err
		}
		lm.buckets = newOrphanBuckets()
	case st.ExportID == exportID:
		lm.state = st
		buckets, err := loadOrphanBuckets(lm.tl.files, filepath.Join(st.LocalCopyPath, orphanMappingFilename))
		if err != nil {
			return nil, err
		}
		lm.buckets = buckets
		lm.run.Logger().Info("resuming legacy migration",
			zap.String("phase", string(st.Phase)),
			zap.Int64("last_row_id", st.LastRowID))
	default:
		return nil, ErrPartialImportExists
	}

	if err := lm.openSources(); err != nil {
		return nil, err
	}
	defer lm.closeSources()

	return lm.runPhases()
}

// openSources opens both legacy databases read-only; the migration never
// writes to its source.
func (lm *legacyMigration) openSources() error {
	var err error
	lm.timelineDB, err = sql.Open("sqlite3", "file:"+lm.opts.TimelineDB+"?mode=ro")
	if err != nil {
		return fmt.Errorf("opening legacy timeline database: %w", err)
	}
	lm.samplesDB, err = sql.Open("sqlite3", "file:"+lm.opts.SamplesDB+"?mode=ro")
	if err != nil {
		lm.timelineDB.Close()
		return fmt.Errorf("opening legacy samples database: %w", err)
	}
	return nil
}

func (lm *legacyMigration) closeSources() {
	if lm.timelineDB != nil {
		lm.timelineDB.Close()
	}
	if lm.samplesDB != nil {
		lm.samplesDB.Close()
	}
}

func (lm *legacyMigration) runPhases() (*MigrationSummary, error) {
	ctx := lm.run.Context()

	staging, err := openStagingLog(filepath.Join(lm.state.LocalCopyPath, edgeStagingFilename))
	if err != nil {
		return nil, err
	}
	defer staging.close()

	bp := &batchProcessor{
		tl:      lm.tl,
		log:     lm.run.Logger(),
		staging: staging,
		buckets: lm.buckets,
		summary: lm.summary,
	}

	phases := []struct {
		phase ImportPhase
		fn    func(context.Context, *batchProcessor, *stagingLog) error
	}{
		{PhasePlaces, lm.migratePlaces},
		{PhaseItems, lm.migrateItems},
		{PhaseSamples, lm.migrateSamples},
	}
	start := phaseIndex(lm.state.Phase)
	for i, ph := range phases {
		if i < start {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ph.fn(ctx, bp, staging); err != nil {
			return nil, fmt.Errorf("%s phase: %w", ph.phase, err)
		}
		if i+1 < len(phases) {
			lm.state.Phase = phases[i+1].phase
			if err := lm.tl.saveImportState(ctx, lm.state); err != nil {
				return nil, err
			}
		}
	}

	if err := lm.tl.deleteImportState(ctx); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(lm.state.LocalCopyPath); err != nil {
		lm.run.Logger().Warn("could not remove migration working directory", zap.Error(err))
	}
	lm.tl.restoreRecording(lm.state.WasRecording)

	lm.summary.Finished = time.Now().UTC()
	lm.run.Logger().Info("legacy migration complete",
		zap.Int64("places", lm.summary.PlaceCount),
		zap.Int64("items", lm.summary.ItemCount),
		zap.Int64("samples", lm.summary.SampleCount),
		zap.Int64("orphans_recovered", lm.summary.OrphansRecovered))
	return lm.summary, nil
}

// dateBound appends a [start, end) bound for a seconds-based REAL date
// column. Legacy rows with no date at all are skipped as unusable.
func (lm *legacyMigration) dateBound(col string) (string, []any) {
	clause := ` AND ` + col + ` IS NOT NULL`
	var args []any
	if !lm.opts.Start.IsZero() {
		clause += ` AND ` + col + ` >= ?`
		args = append(args, float64(lm.opts.Start.Unix()))
	}
	if !lm.opts.End.IsZero() {
		clause += ` AND ` + col + ` < ?`
		args = append(args, float64(lm.opts.End.Unix()))
	}
	return clause, args
}

func (lm *legacyMigration) migratePlaces(ctx context.Context, bp *batchProcessor, _ *stagingLog) error {
	lm.run.SetPhase(string(PhasePlaces), 0)

	rows, err := lm.timelineDB.QueryContext(ctx,
		`SELECT placeId, name, latitude, longitude, radiusMean, radiusSD,
			visitsCount, visitDays, lastSaved
		FROM Place ORDER BY placeId`)
	if err != nil {
		return fmt.Errorf("reading legacy places: %w", err)
	}
	defer rows.Close()

	var batch []Place
	for rows.Next() {
		var p Place
		var name sql.NullString
		var radiusSD, lastSaved sql.NullFloat64
		var visitsCount, visitDays sql.NullInt64
		if err := rows.Scan(&p.ID, &name, &p.Latitude, &p.Longitude,
			&p.RadiusMean, &radiusSD, &visitsCount, &visitDays, &lastSaved); err != nil {
			return err
		}
		p.Name = name.String
		p.RadiusSD = radiusSD.Float64
		p.VisitCount = int(visitsCount.Int64)
		p.VisitDays = int(visitDays.Int64)
		p.LastSaved = legacyTime(lastSaved)

		batch = append(batch, p)
		if len(batch) >= batchSize {
			if err := bp.insertPlaces(ctx, batch); err != nil {
				return err
			}
			lm.run.Progress(len(batch))
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := bp.insertPlaces(ctx, batch); err != nil {
			return err
		}
		lm.run.Progress(len(batch))
	}
	return nil
}

func (lm *legacyMigration) migrateItems(ctx context.Context, bp *batchProcessor, staging *stagingLog) error {
	// the whole items phase restarts on resume; stale staged edges must
	// not be replayed twice
	if err := staging.reset(); err != nil {
		return err
	}

	bound, args := lm.dateBound("startDate")
	lm.run.SetPhase(string(PhaseItems), 0)

	// the legacy schema keeps the visit/trip variants inline on the item
	// row, discriminated by isVisit
	rows, err := lm.timelineDB.QueryContext(ctx,
		`SELECT itemId, isVisit, startDate, endDate, deleted,
			previousItemId, nextItemId, lastSaved,
			latitude, longitude, radiusMean, radiusSD,
			placeId, manualPlace, uncertainPlace, customTitle,
			distance, activityType, manualActivityType
		FROM TimelineItem WHERE deleted = 0`+bound+` ORDER BY startDate`, args...)
	if err != nil {
		return fmt.Errorf("reading legacy items: %w", err)
	}
	defer rows.Close()

	var batch []Item
	for rows.Next() {
		it, err := scanLegacyItem(rows)
		if err != nil {
			return err
		}
		batch = append(batch, *it)
		if len(batch) >= batchSize {
			if err := bp.insertItems(ctx, batch); err != nil {
				return err
			}
			lm.run.Progress(len(batch))
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := bp.insertItems(ctx, batch); err != nil {
			return err
		}
		lm.run.Progress(len(batch))
	}

	er := &edgeRestorer{tl: lm.tl, log: lm.run.Logger(), run: lm.run, summary: lm.summary}
	if err := er.restore(ctx, staging); err != nil {
		return err
	}
	return staging.reset()
}

func scanLegacyItem(rows *sql.Rows) (*Item, error) {
	var it Item
	var startDate, endDate, lastSaved sql.NullFloat64
	var lat, lon, radMean, radSD sql.NullFloat64
	var placeID, customTitle sql.NullString
	var manualPlace, uncertainPlace sql.NullBool
	var distance sql.NullFloat64
	var activity, manualActivity sql.NullString

	if err := rows.Scan(&it.ID, &it.IsVisit, &startDate, &endDate, &it.Deleted,
		&it.PreviousItemID, &it.NextItemID, &lastSaved,
		&lat, &lon, &radMean, &radSD,
		&placeID, &manualPlace, &uncertainPlace, &customTitle,
		&distance, &activity, &manualActivity); err != nil {
		return nil, err
	}

	it.Start = legacyTime(startDate)
	it.End = legacyTime(endDate)
	it.LastSaved = legacyTime(lastSaved)

	if it.IsVisit {
		v := &Visit{
			Latitude:       lat.Float64,
			Longitude:      lon.Float64,
			RadiusMean:     radMean.Float64,
			RadiusSD:       radSD.Float64,
			ConfirmedPlace: manualPlace.Bool,
			UncertainPlace: uncertainPlace.Bool,
		}
		if placeID.Valid && placeID.String != "" {
			v.PlaceID = &placeID.String
		}
		if customTitle.Valid && customTitle.String != "" {
			v.CustomTitle = &customTitle.String
		}
		it.Visit = v
	} else {
		t := &Trip{Distance: distance.Float64}
		if activity.Valid && activity.String != "" {
			t.ClassifiedActivity = &activity.String
		}
		if manualActivity.Valid && manualActivity.String != "" {
			t.ConfirmedActivity = &manualActivity.String
		}
		it.Trip = t
	}
	return &it, nil
}

// migrateSamples pages by contiguous rowid ranges, checkpointing the last
// fully committed rowid in the resume marker after each page.
func (lm *legacyMigration) migrateSamples(ctx context.Context, bp *batchProcessor, _ *stagingLog) error {
	bound, boundArgs := lm.dateBound("date")
	mappingPath := filepath.Join(lm.state.LocalCopyPath, orphanMappingFilename)

	var total int
	if err := lm.samplesDB.QueryRowContext(ctx,
		`SELECT count() FROM LocomotionSample WHERE rowid > ?`+bound,
		append([]any{lm.state.LastRowID}, boundArgs...)...).Scan(&total); err != nil {
		return fmt.Errorf("counting legacy samples: %w", err)
	}
	lm.run.SetPhase(string(PhaseSamples), total)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		samples, maxRowID, err := lm.readSamplePage(ctx, lm.state.LastRowID, bound, boundArgs)
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			break
		}

		if err := bp.insertSamples(ctx, samples); err != nil {
			return err
		}

		// checkpoint only after the page's batch has committed
		lm.state.LastRowID = maxRowID
		if err := saveOrphanBuckets(lm.tl.files, mappingPath, lm.buckets); err != nil {
			return err
		}
		if err := lm.tl.saveImportState(ctx, lm.state); err != nil {
			return err
		}
		lm.run.Progress(len(samples))
	}

	if !lm.buckets.empty() {
		or := &orphanResolver{
			tl:      lm.tl,
			log:     lm.run.Logger(),
			run:     lm.run,
			buckets: lm.buckets,
			summary: lm.summary,
		}
		if err := or.resolve(ctx); err != nil {
			return err
		}
		lm.buckets = newOrphanBuckets()
		if err := saveOrphanBuckets(lm.tl.files, mappingPath, lm.buckets); err != nil {
			return err
		}
	}
	return nil
}

func (lm *legacyMigration) readSamplePage(ctx context.Context, afterRowID int64, bound string, boundArgs []any) ([]Sample, int64, error) {
	args := append([]any{afterRowID}, boundArgs...)
	rows, err := lm.samplesDB.QueryContext(ctx,
		`SELECT rowid, sampleId, date, movingState, timelineItemId,
			latitude, longitude, altitude, speed, course, activityType, lastSaved
		FROM LocomotionSample WHERE rowid > ?`+bound+
			` ORDER BY rowid LIMIT `+fmt.Sprint(batchSize), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("reading legacy samples: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	var maxRowID int64
	for rows.Next() {
		var rowID int64
		var s Sample
		var date, lastSaved sql.NullFloat64
		var movingState sql.NullInt64
		var lat, lon, alt, speed, course sql.NullFloat64
		var activity sql.NullString

		if err := rows.Scan(&rowID, &s.ID, &date, &movingState, &s.TimelineItemID,
			&lat, &lon, &alt, &speed, &course, &activity, &lastSaved); err != nil {
			return nil, 0, err
		}

		s.TakenAt = legacyTime(date)
		s.LastSaved = legacyTime(lastSaved)
		s.MovingState = legacyMovingState(movingState)
		if lat.Valid {
			s.Latitude = &lat.Float64
			s.Longitude = &lon.Float64
		}
		if alt.Valid {
			s.Altitude = &alt.Float64
		}
		if speed.Valid && speed.Float64 >= 0 {
			s.Speed = &speed.Float64
		}
		if course.Valid && course.Float64 >= 0 {
			s.Course = &course.Float64
		}
		if activity.Valid && activity.String != "" {
			s.ClassifiedActivity = &activity.String
		}

		samples = append(samples, s)
		maxRowID = rowID
	}
	return samples, maxRowID, rows.Err()
}

// legacyTime converts a legacy REAL unix-seconds date. Sub-second
// precision is preserved.
func legacyTime(v sql.NullFloat64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	sec := int64(v.Float64)
	nsec := int64((v.Float64 - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// legacyMovingState maps the legacy integer code.
func legacyMovingState(v sql.NullInt64) MovingState {
	switch v.Int64 {
	case 1:
		return MovingStateStationary
	case 2:
		return MovingStateMoving
	default:
		return MovingStateUncertain
	}
}

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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/mholt/archives"
	"go.uber.org/zap"
)

// ImportPhase is one of the ordered phases of an import. The resume
// marker is persisted synchronously before the next phase starts, so a
// crashed import can skip phases already marked complete.
type ImportPhase string

const (
	PhasePlaces     ImportPhase = "places"
	PhaseItems      ImportPhase = "items"
	PhaseSamples    ImportPhase = "samples"
	PhaseExtensions ImportPhase = "extensions"
)

var importPhases = []ImportPhase{PhasePlaces, PhaseItems, PhaseSamples, PhaseExtensions}

func phaseIndex(p ImportPhase) int {
	for i, ph := range importPhases {
		if ph == p {
			return i
		}
	}
	return 0
}

// ImportState is the persisted progress marker of an in-flight import.
// Its presence in the database is the signal that a partial import exists
// and must be resumed or abandoned before any other import may start.
type ImportState struct {
	ExportID       string      `json:"export_id"`
	StartedAt      time.Time   `json:"started_at"`
	Phase          ImportPhase `json:"phase"`
	ProcessedFiles []string    `json:"processed_files,omitempty"`
	LastRowID      int64       `json:"last_row_id,omitempty"`
	LocalCopyPath  string      `json:"local_copy_path,omitempty"`
	WasRecording   bool        `json:"was_recording,omitempty"`
}

func (st *ImportState) fileProcessed(name string) bool {
	for _, f := range st.ProcessedFiles {
		if f == name {
			return true
		}
	}
	return false
}

// loadImportState returns the persisted partial-import marker, or nil if
// there is none.
func (tl *Timeline) loadImportState(ctx context.Context) (*ImportState, error) {
	tl.dbMu.RLock()
	defer tl.dbMu.RUnlock()

	var st ImportState
	var startedAtMs int64
	var processedFiles, localCopy *string

	err := tl.db.QueryRowContext(ctx,
		`SELECT export_id, started_at, phase, processed_files, last_row_id, local_copy_path
		FROM import_state WHERE id=1 LIMIT 1`).
		Scan(&st.ExportID, &startedAtMs, (*string)(&st.Phase), &processedFiles, &st.LastRowID, &localCopy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading import state: %w", err)
	}

	st.StartedAt = msToTime(startedAtMs)
	if localCopy != nil {
		st.LocalCopyPath = *localCopy
	}
	if processedFiles != nil && *processedFiles != "" {
		var extra struct {
			Files        []string `json:"files"`
			WasRecording bool     `json:"was_recording"`
		}
		if err := json.Unmarshal([]byte(*processedFiles), &extra); err != nil {
			return nil, fmt.Errorf("decoding processed file marker: %w", err)
		}
		st.ProcessedFiles = extra.Files
		st.WasRecording = extra.WasRecording
	}

	return &st, nil
}

// saveImportState persists the marker synchronously; callers must not
// start the next phase (or file) until it returns.
func (tl *Timeline) saveImportState(ctx context.Context, st *ImportState) error {
	extra, err := json.Marshal(struct {
		Files        []string `json:"files"`
		WasRecording bool     `json:"was_recording"`
	}{st.ProcessedFiles, st.WasRecording})
	if err != nil {
		return fmt.Errorf("encoding processed file marker: %w", err)
	}

	tl.dbMu.Lock()
	defer tl.dbMu.Unlock()

	_, err = tl.db.ExecContext(ctx, `INSERT INTO import_state
		(id, export_id, started_at, phase, processed_files, last_row_id, local_copy_path)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			export_id=excluded.export_id,
			started_at=excluded.started_at,
			phase=excluded.phase,
			processed_files=excluded.processed_files,
			last_row_id=excluded.last_row_id,
			local_copy_path=excluded.local_copy_path`,
		st.ExportID, st.StartedAt.UnixMilli(), string(st.Phase),
		string(extra), st.LastRowID, st.LocalCopyPath)
	if err != nil {
		return fmt.Errorf("saving import state: %w", err)
	}
	return nil
}

func (tl *Timeline) deleteImportState(ctx context.Context) error {
	tl.dbMu.Lock()
	defer tl.dbMu.Unlock()
	if _, err := tl.db.ExecContext(ctx, `DELETE FROM import_state WHERE id=1`); err != nil {
		return fmt.Errorf("clearing import state: %w", err)
	}
	return nil
}

// HasPartialImport reports whether a resumable partial import exists.
func (tl *Timeline) HasPartialImport(ctx context.Context) (bool, error) {
	st, err := tl.loadImportState(ctx)
	return st != nil, err
}

// StartImport imports the snapshot at source, which may be a directory
// or an archive file, possibly on a remote-synced volume. The source is
// first copied into app-private stable storage; all parsing happens on
// the copy. Returns ErrPartialImportExists if a previous import did not
// finish.
func (tl *Timeline) StartImport(ctx context.Context, source string, exts []Extension) (*MigrationSummary, error) {
	run, err := tl.runs.begin(ctx, RunKindImport, map[string]string{"source": source})
	if err != nil {
		return nil, err
	}

	st, err := tl.loadImportState(run.Context())
	if err != nil {
		run.finish(err)
		return nil, err
	}
	if st != nil {
		run.finish(ErrPartialImportExists)
		return nil, ErrPartialImportExists
	}

	imp := &importRun{
		tl:      tl,
		run:     run,
		exts:    exts,
		summary: &MigrationSummary{Kind: RunKindImport, Started: time.Now().UTC()},
	}

	summary, err := imp.start(source)
	run.finish(err)
	return summary, err
}

// ResumeImport resumes a partial import from its persisted marker. The
// manifest is re-validated against the marker's export ID; a mismatch is
// fatal, not resumable. Phases already marked complete are skipped, and
// within the samples phase, already-processed files are skipped.
func (tl *Timeline) ResumeImport(ctx context.Context, exts []Extension) (*MigrationSummary, error) {
	run, err := tl.runs.begin(ctx, RunKindImport, "resume")
	if err != nil {
		return nil, err
	}

	st, err := tl.loadImportState(run.Context())
	if err == nil && st == nil {
		err = ErrNoPartialImport
	}
	if err != nil {
		run.finish(err)
		return nil, err
	}

	imp := &importRun{
		tl:      tl,
		run:     run,
		exts:    exts,
		state:   st,
		summary: &MigrationSummary{Kind: RunKindImport, Started: time.Now().UTC()},
	}

	summary, err := imp.resume()
	run.finish(err)
	return summary, err
}

// AbandonImport discards a partial import: its persisted state and local
// snapshot copy are deleted and the recording subsystem is restored.
// Records already committed by the partial import remain; re-importing
// the same snapshot later is idempotent.
func (tl *Timeline) AbandonImport(ctx context.Context) error {
	run, err := tl.runs.begin(ctx, RunKindImport, "abandon")
	if err != nil {
		return err
	}
	defer func() { run.finish(err) }()

	st, err := tl.loadImportState(run.Context())
	if err != nil {
		return err
	}
	if st == nil {
		err = ErrNoPartialImport
		return err
	}

	if st.LocalCopyPath != "" {
		if rmErr := os.RemoveAll(st.LocalCopyPath); rmErr != nil {
			run.Logger().Warn("could not remove local snapshot copy", zap.Error(rmErr))
		}
	}
	if err = tl.deleteImportState(run.Context()); err != nil {
		return err
	}

	tl.restoreRecording(st.WasRecording)
	run.Logger().Info("abandoned partial import", zap.String("export_id", st.ExportID))
	return nil
}

// importRun carries one import attempt (fresh or resumed).
type importRun struct {
	tl       *Timeline
	run      *RunHandle
	exts     []Extension
	state    *ImportState
	snap     *snapshot // rooted at the local copy
	manifest *Manifest
	buckets  *orphanBuckets
	staging  *stagingLog
	summary  *MigrationSummary
}

func (imp *importRun) start(source string) (*MigrationSummary, error) {
	ctx := imp.run.Context()

	// validate the manifest before touching anything; this scan is
	// deliberately non-cancellable so a parent task's cancellation
	// cannot leave it half-read
	manifest, err := readSourceManifest(context.WithoutCancel(ctx), source)
	if err != nil {
		return nil, err
	}
	imp.manifest = manifest

	wasRecording := imp.tl.pauseRecording()

	// remote sources can disappear mid-import; the first action is a
	// full local copy into app-private stable storage, recorded in the
	// state before any parsing begins
	localCopy := filepath.Join(imp.tl.repoDir, importWorkDirPrefix+manifest.ExportID)
	imp.run.Message("Copying snapshot to local storage")
	if err := copySnapshotLocal(ctx, source, localCopy); err != nil {
		imp.tl.restoreRecording(wasRecording)
		return nil, fmt.Errorf("copying snapshot to local storage: %w", err)
	}

	imp.snap = &snapshot{root: localCopy, fc: imp.tl.files}
	if err := imp.validateTree(); err != nil {
		imp.tl.restoreRecording(wasRecording)
		os.RemoveAll(localCopy)
		return nil, err
	}

	if _, err := imp.snap.purgeConflictCopies(imp.run.Logger()); err != nil {
		imp.tl.restoreRecording(wasRecording)
		return nil, fmt.Errorf("purging conflict copies: %w", err)
	}

	imp.state = &ImportState{
		ExportID:      manifest.ExportID,
		StartedAt:     time.Now().UTC(),
		Phase:         PhasePlaces,
		LocalCopyPath: localCopy,
		WasRecording:  wasRecording,
	}
	if err := imp.tl.saveImportState(ctx, imp.state); err != nil {
		imp.tl.restoreRecording(wasRecording)
		return nil, err
	}

	imp.buckets = newOrphanBuckets()

	// from here on, failures leave a resumable partial import: state and
	// local copy are preserved, and recording stays paused until the
	// next resume or explicit abandonment
	return imp.runPhases()
}

func (imp *importRun) resume() (*MigrationSummary, error) {
	st := imp.state

	// a process restart may have started the recorder again; the
	// pre-import state persisted in WasRecording governs the eventual
	// restore, so the pause's own return value is irrelevant here
	imp.tl.pauseRecording()

	if st.LocalCopyPath == "" || !FileExists(st.LocalCopyPath) {
		return nil, fmt.Errorf("%w: local snapshot copy is gone (%s)", ErrNoPartialImport, st.LocalCopyPath)
	}
	imp.snap = &snapshot{root: st.LocalCopyPath, fc: imp.tl.files}

	manifest, err := imp.snap.readManifest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestMissing, err)
	}
	if manifest.ExportID != st.ExportID {
		return nil, fmt.Errorf("%w: state has %s, snapshot has %s",
			ErrExportIDMismatch, st.ExportID, manifest.ExportID)
	}
	imp.manifest = manifest

	// group membership so far is rebuilt from the persisted mappings
	buckets, err := loadOrphanBuckets(imp.tl.files, filepath.Join(st.LocalCopyPath, orphanMappingFilename))
	if err != nil {
		return nil, err
	}
	imp.buckets = buckets

	imp.run.Logger().Info("resuming partial import",
		zap.String("export_id", st.ExportID),
		zap.String("phase", string(st.Phase)),
		zap.Int("processed_files", len(st.ProcessedFiles)))

	return imp.runPhases()
}

// runPhases executes the ordered phases starting at the state's phase
// marker, advancing the marker synchronously after each phase.
func (imp *importRun) runPhases() (*MigrationSummary, error) {
	ctx := imp.run.Context()

	staging, err := openStagingLog(filepath.Join(imp.state.LocalCopyPath, edgeStagingFilename))
	if err != nil {
		return nil, err
	}
	imp.staging = staging
	defer staging.close()

	bp := &batchProcessor{
		tl:      imp.tl,
		log:     imp.run.Logger(),
		staging: staging,
		buckets: imp.buckets,
		summary: imp.summary,
	}

	for i := phaseIndex(imp.state.Phase); i < len(importPhases); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		phase := importPhases[i]
		switch phase {
		case PhasePlaces:
			err = imp.importPlaces(ctx, bp)
		case PhaseItems:
			err = imp.importItems(ctx, bp)
		case PhaseSamples:
			err = imp.importSamples(ctx, bp)
		case PhaseExtensions:
			err = imp.importExtensions(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("%s phase: %w", phase, err)
		}

		if i+1 < len(importPhases) {
			imp.state.Phase = importPhases[i+1]
			if err := imp.tl.saveImportState(ctx, imp.state); err != nil {
				return nil, err
			}
		}
	}

	return imp.finishSuccess(ctx)
}

func (imp *importRun) finishSuccess(ctx context.Context) (*MigrationSummary, error) {
	if err := imp.tl.deleteImportState(ctx); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(imp.state.LocalCopyPath); err != nil {
		imp.run.Logger().Warn("could not remove local snapshot copy", zap.Error(err))
	}

	imp.tl.restoreRecording(imp.state.WasRecording)

	imp.summary.Finished = time.Now().UTC()
	imp.run.Logger().Info("import complete",
		zap.Int64("places", imp.summary.PlaceCount),
		zap.Int64("items", imp.summary.ItemCount),
		zap.Int64("samples", imp.summary.SampleCount),
		zap.Int64("orphans_recovered", imp.summary.OrphansRecovered),
		zap.Int64("mismatches_preserved", imp.summary.MismatchesPreserved))
	return imp.summary, nil
}

// validateTree verifies the expected subdirectories exist in the local
// copy; a missing one (for a phase the manifest says has records) is
// fatal.
func (imp *importRun) validateTree() error {
	checks := []struct {
		dir   string
		count int64
	}{
		{placesDirName, imp.manifest.Stats.PlaceCount},
		{itemsDirName, imp.manifest.Stats.ItemCount},
		{samplesDirName, imp.manifest.Stats.SampleCount},
	}
	for _, c := range checks {
		if c.count > 0 && !FileExists(imp.snap.dir(c.dir)) {
			return fmt.Errorf("snapshot is missing expected subdirectory %q", c.dir)
		}
	}
	return nil
}

func (imp *importRun) importPlaces(ctx context.Context, bp *batchProcessor) error {
	files, err := imp.snap.listBucketFiles(placesDirName)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	imp.run.SetPhase(string(PhasePlaces), len(files))
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		imp.run.Message("Importing " + name)

		var places []Place
		if err := imp.snap.readBucket(path.Join(placesDirName, name), &places, imp.manifest.Checksums); err != nil {
			imp.run.Logger().Warn("skipping undecodable place file",
				zap.String("file", name), zap.Error(err))
			imp.summary.FilesSkipped++
			imp.run.Progress(1)
			continue
		}

		for batch := range batched(places) {
			if err := bp.insertPlaces(ctx, batch); err != nil {
				return err
			}
		}
		imp.run.Progress(1)
	}
	return nil
}

func (imp *importRun) importItems(ctx context.Context, bp *batchProcessor) error {
	// the whole items phase restarts on resume, so stale staged edges
	// from an interrupted run must not be replayed twice
	if err := imp.staging.reset(); err != nil {
		return err
	}

	files, err := imp.snap.listBucketFiles(itemsDirName)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	imp.run.SetPhase(string(PhaseItems), len(files))
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		imp.run.Message("Importing " + name)

		var items []Item
		if err := imp.snap.readBucket(path.Join(itemsDirName, name), &items, imp.manifest.Checksums); err != nil {
			imp.run.Logger().Warn("skipping undecodable item file",
				zap.String("file", name), zap.Error(err))
			imp.summary.FilesSkipped++
			imp.run.Progress(1)
			continue
		}

		for batch := range batched(items) {
			if err := bp.insertItems(ctx, batch); err != nil {
				return err
			}
		}
		imp.run.Progress(1)
	}

	// all items from the run now exist; rebuild the linked list
	er := &edgeRestorer{tl: imp.tl, log: imp.run.Logger(), run: imp.run, summary: imp.summary}
	if err := er.restore(ctx, imp.staging); err != nil {
		return err
	}
	return imp.staging.reset()
}

func (imp *importRun) importSamples(ctx context.Context, bp *batchProcessor) error {
	files, err := imp.snap.listBucketFiles(samplesDirName)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	mappingPath := filepath.Join(imp.state.LocalCopyPath, orphanMappingFilename)

	imp.run.SetPhase(string(PhaseSamples), len(files))
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if imp.state.fileProcessed(name) {
			imp.run.Progress(1)
			continue
		}
		imp.run.Message("Importing " + name)

		var samples []Sample
		if err := imp.snap.readBucket(path.Join(samplesDirName, name), &samples, imp.manifest.Checksums); err != nil {
			imp.run.Logger().Warn("skipping undecodable sample file",
				zap.String("file", name), zap.Error(err))
			imp.summary.FilesSkipped++
		} else {
			for batch := range batched(samples) {
				if err := bp.insertSamples(ctx, batch); err != nil {
					return err
				}
			}
		}

		// persist the fine-grained marker and group membership together,
		// after the file's batches have committed
		imp.state.ProcessedFiles = append(imp.state.ProcessedFiles, name)
		if err := saveOrphanBuckets(imp.tl.files, mappingPath, imp.buckets); err != nil {
			return err
		}
		if err := imp.tl.saveImportState(ctx, imp.state); err != nil {
			return err
		}
		imp.run.Progress(1)
	}

	// group membership is complete only now that every sample file has
	// been scanned; resolution must never interleave with the scan
	if !imp.buckets.empty() {
		or := &orphanResolver{
			tl:      imp.tl,
			log:     imp.run.Logger(),
			run:     imp.run,
			buckets: imp.buckets,
			summary: imp.summary,
		}
		if err := or.resolve(ctx); err != nil {
			return err
		}
		imp.buckets = newOrphanBuckets()
		if err := saveOrphanBuckets(imp.tl.files, mappingPath, imp.buckets); err != nil {
			return err
		}
	}

	return nil
}

func (imp *importRun) importExtensions(ctx context.Context) error {
	imp.run.SetPhase(string(PhaseExtensions), len(imp.exts))
	for _, ext := range imp.exts {
		if err := ctx.Err(); err != nil {
			return err
		}

		dir := filepath.Join(imp.state.LocalCopyPath, extensionsDirName, ext.ID())
		if !FileExists(dir) {
			imp.run.Progress(1)
			continue
		}

		// extension failures propagate and abort the run, unlike core
		// per-record errors
		count, err := ext.Import(ctx, dir)
		if err != nil {
			return fmt.Errorf("extension %s: %w", ext.ID(), err)
		}
		if imp.summary.ExtensionCounts == nil {
			imp.summary.ExtensionCounts = make(map[string]int64)
		}
		imp.summary.ExtensionCounts[ext.ID()] = count
		imp.run.Progress(1)
	}
	return nil
}

// batched yields contiguous chunks of at most batchSize records.
func batched[T any](records []T) func(yield func([]T) bool) {
	return func(yield func([]T) bool) {
		for start := 0; start < len(records); start += batchSize {
			end := start + batchSize
			if end > len(records) {
				end = len(records)
			}
			if !yield(records[start:end]) {
				return
			}
		}
	}
}

// readSourceManifest reads and validates metadata.json at source, which
// may be a directory or an archive file.
func readSourceManifest(ctx context.Context, source string) (*Manifest, error) {
	fsys, err := archives.FileSystem(ctx, source, nil)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot source %s: %w", source, err)
	}

	data, err := fs.ReadFile(fsys, manifestFilename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestMissing, err)
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot manifest is unreadable: %w", err)
	}
	return m, nil
}

// copySnapshotLocal copies the whole snapshot tree (directory or archive
// contents) into dest. A leftover dest from an abandoned run is replaced.
func copySnapshotLocal(ctx context.Context, source, dest string) error {
	if FileExists(dest) {
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("clearing stale local copy: %w", err)
		}
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	fsys, err := archives.FileSystem(ctx, source, nil)
	if err != nil {
		return fmt.Errorf("opening snapshot source: %w", err)
	}

	return fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		target := filepath.Join(dest, filepath.FromSlash(p))
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		src, err := fsys.Open(p)
		if err != nil {
			return fmt.Errorf("opening %s: %w", p, err)
		}
		defer src.Close()

		out, err := os.Create(target)
		if err != nil {
			return fmt.Errorf("creating %s: %w", target, err)
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			return fmt.Errorf("copying %s: %w", p, err)
		}
		return out.Close()
	})
}

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

// Package timeline implements the timeline repository: its database, the
// fundamental record types (items, samples, places), and the migration
// engine that exports a repository to a portable snapshot and imports
// snapshots back while repairing referential invariants that a bulk load
// cannot satisfy step-by-step.
package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DBFilename is the name of the repository database file.
	DBFilename = "timeline.db"

	// MarkerFilename is an informational file identifying a repo folder.
	MarkerFilename = "tracklore repository.txt"

	// importWorkDirPrefix prefixes the app-private folders that hold
	// local copies of snapshots while an import is in flight.
	importWorkDirPrefix = ".import-"
)

const timelineMarkerContents = `This folder is a Tracklore timeline repository.

It contains the timeline database recorded by Tracklore. Do not modify or
delete the files in this folder unless you know what you are doing.

Repository ID: {{repo_id}}
`

// Timeline represents an opened timeline repository.
// The zero value is NOT valid; use Open() or Create()
// to obtain a valid value.
type Timeline struct {
	// A context used primarily for cancellation.
	ctx    context.Context
	cancel context.CancelFunc // to be called only by the shutdown routine

	repoDir string // path of the timeline repository
	id      uuid.UUID

	// The database handle and its mutex. High-volume imports can yield
	// "database is locked" errors when scanning rows while writing from
	// another query at the same time; wrapping DB calls in this mutex
	// makes the problem disappear.
	db   *sql.DB
	dbMu sync.RWMutex

	// serializes file access against a concurrently-syncing remote store
	files *fileCoordinator

	// single-flight guard for migration operations
	runs *runCoordinator

	// the live recording subsystem, paused while migrations run
	recordingMu sync.Mutex
	recording   RecordingController
}

func (tl *Timeline) String() string { return fmt.Sprintf("%s:%s", tl.id, tl.repoDir) }
func (tl *Timeline) Dir() string    { return tl.repoDir }
func (tl *Timeline) ID() uuid.UUID  { return tl.id }

// SetRecordingController attaches the live recording subsystem so that
// migrations can pause it. It may be nil, in which case pausing is a no-op.
func (tl *Timeline) SetRecordingController(rc RecordingController) {
	tl.recordingMu.Lock()
	tl.recording = rc
	tl.recordingMu.Unlock()
}

// Create creates and opens a new timeline in the given repo path, which need
// not already exist. If the path exists, it must be an empty directory; if it
// is not empty, a new folder within the path will be created in which the
// timeline will be provisioned. If the path is already a timeline repo,
// fs.ErrExist is returned.
//
// Timelines should always be Close()'d for a clean shutdown when done.
func Create(ctx context.Context, repoPath string) (*Timeline, error) {
	// ensure the directory exists
	err := os.MkdirAll(repoPath, 0755)
	if err != nil {
		return nil, fmt.Errorf("creating requested repo folder: %w", err)
	}

	// ensure directory is empty
	dirEmpty, problematicFile, err := directoryEmpty(repoPath)
	if err != nil {
		return nil, err
	}
	if !dirEmpty {
		// the selected folder is not empty; is it already a timeline repo?
		if FileExists(filepath.Join(repoPath, DBFilename)) {
			return nil, fmt.Errorf("%w: selected folder already contains a timeline repository: %s", fs.ErrExist, repoPath)
		}

		// the user may think the timeline is a single file, so any folder
		// will do; create a new, empty folder for the repo within it
		repoPath = filepath.Join(repoPath, "My timeline")
		if err := os.MkdirAll(repoPath, 0755); err != nil {
			return nil, fmt.Errorf("folder already existed but was not empty (%s), so tried to create new empty repo folder within it: %w", problematicFile, err)
		}

		dirEmpty, problematicFile, err := directoryEmpty(repoPath)
		if err != nil {
			return nil, err
		}
		if !dirEmpty {
			if FileExists(filepath.Join(repoPath, DBFilename)) {
				return nil, fmt.Errorf("%w: selected folder already contains a timeline repository: %s", fs.ErrExist, repoPath)
			}
			return nil, fmt.Errorf("timeline cannot be created at %s because it is not empty: %s", repoPath, problematicFile)
		}
	}

	return openAndProvisionTimeline(ctx, repoPath)
}

// Open strictly opens an existing timeline at the given repo folder;
// it does not attempt to create one if it does not already exist.
// Timelines should always be Close()'d for a clean shutdown when done.
func Open(ctx context.Context, repo string) (*Timeline, error) {
	if _, err := os.Stat(repo); err != nil {
		return nil, fmt.Errorf("checking repo folder: %w", err)
	}
	if _, err := os.Stat(filepath.Join(repo, DBFilename)); err != nil {
		return nil, fmt.Errorf("checking repo DB file: %w", err)
	}
	return openAndProvisionTimeline(ctx, repo)
}

func openAndProvisionTimeline(ctx context.Context, repoDir string) (*Timeline, error) {
	db, err := openAndProvisionDB(ctx, repoDir)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return openTimeline(ctx, repoDir, db)
}

func openTimeline(ctx context.Context, repoDir string, db *sql.DB) (*Timeline, error) {
	var err error
	defer func() {
		if err != nil {
			Log.Warn("closing database due to error when opening timeline", zap.Error(err))
			db.Close()
		}
	}()

	id, err := loadRepoID(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("loading repo ID: %w", err)
	}

	// create marker file; for informational purposes only
	repoMarkerFile := filepath.Join(repoDir, MarkerFilename)
	if !FileExists(repoMarkerFile) {
		contents := strings.ReplaceAll(timelineMarkerContents, "{{repo_id}}", id.String())
		err = os.WriteFile(repoMarkerFile, []byte(contents), 0600)
		if err != nil {
			return nil, fmt.Errorf("writing marker file: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	tl := &Timeline{
		ctx:     ctx,
		cancel:  cancel,
		repoDir: repoDir,
		id:      id,
		db:      db,
		files:   newFileCoordinator(),
		runs:    new(runCoordinator),
	}

	if partial, err := tl.HasPartialImport(ctx); err == nil && partial {
		Log.Warn("repository has a partial import; resume or abandon it before starting another",
			zap.String("repo_id", id.String()))
	}

	return tl, nil
}

// Close frees up resources and should always be called when
// done with the timeline.
func (tl *Timeline) Close() error {
	tl.cancel()
	tl.dbMu.Lock()
	defer tl.dbMu.Unlock()
	if tl.db != nil {
		return tl.db.Close()
	}
	return nil
}

// pauseRecording pauses the live recording subsystem, if one is attached,
// and reports whether it was running before.
func (tl *Timeline) pauseRecording() bool {
	tl.recordingMu.Lock()
	rc := tl.recording
	tl.recordingMu.Unlock()
	if rc == nil {
		return false
	}
	return rc.Pause()
}

// restoreRecording restores the recording subsystem to its pre-migration
// state. It must not be called while a resumable partial import exists,
// to prevent the recorder racing with a half-restored edge graph.
func (tl *Timeline) restoreRecording(wasRecording bool) {
	tl.recordingMu.Lock()
	rc := tl.recording
	tl.recordingMu.Unlock()
	if rc != nil {
		rc.Restore(wasRecording)
	}
}

// FileExists returns true if the file or folder exists.
func FileExists(filename string) bool {
	_, err := os.Stat(filename)
	return err == nil
}

// directoryEmpty returns true if dirPath is an empty directory. If false,
// the name of the first discovered file is returned.
func directoryEmpty(dirPath string) (bool, string, error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return false, "", fmt.Errorf("opening folder: %w", err)
	}
	defer dir.Close()

	// no need to read the whole listing; all we need to do is find one
	// non-incidental file (reading 2 allows for 1 incidental file)
	fileList, err := dir.Readdirnames(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, "", fmt.Errorf("reading folder contents: %w", err)
	}

	for _, f := range fileList {
		if f == ".DS_Store" || f == "Thumbs.db" {
			continue
		}
		return false, f, nil
	}

	return true, "", nil
}

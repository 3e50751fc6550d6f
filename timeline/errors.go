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

import "errors"

// Fatal errors that stop a whole migration run and surface to the caller.
// Per-record and per-file problems are logged and skipped instead; dangling
// edges, orphaned samples, and disabled-state mismatches are not errors at
// all -- they are detected and repaired by resolver logic.
var (
	// ErrRunInProgress means another migration operation is already
	// active; concurrent calls fail immediately, they do not queue.
	ErrRunInProgress = errors.New("another migration operation is already in progress")

	// ErrPartialImportExists means a previous import did not finish; it
	// must be resumed or abandoned before a new import may start.
	ErrPartialImportExists = errors.New("a partial import exists; resume or abandon it first")

	// ErrNoPartialImport means there is nothing to resume or abandon.
	ErrNoPartialImport = errors.New("no partial import to resume")

	// ErrExportIDMismatch means the snapshot being resumed is not the one
	// the partial import started from; this is fatal, not resumable.
	ErrExportIDMismatch = errors.New("snapshot export ID does not match the partial import")

	// ErrManifestMissing means the snapshot has no readable manifest.
	ErrManifestMissing = errors.New("snapshot manifest is missing")
)

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
	"os"
	"path/filepath"
	"time"
)

// Extension is a pluggable handler invoked after the core snapshot phases
// to carry auxiliary data (notes, debug logs, app settings...) alongside
// the timeline records. Unlike core per-record errors, an extension
// failure propagates and aborts the run.
type Extension interface {
	// ID identifies the extension; it names its subdirectory under
	// <root>/extensions/ and its entry in the manifest.
	ID() string

	// Export writes the extension's records into dir and returns how
	// many it wrote. For incremental exports, lastBackupDate bounds the
	// records that need rewriting; it is nil for full exports.
	Export(ctx context.Context, dir string, exportType ExportType, lastBackupDate *time.Time) (int64, error)

	// Import reads the extension's records back from dir and returns how
	// many it read.
	Import(ctx context.Context, dir string) (int64, error)
}

// extensionDir returns (and creates) the directory for ext under the
// snapshot root.
func extensionDir(root string, ext Extension) (string, error) {
	dir := filepath.Join(root, extensionsDirName, ext.ID())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

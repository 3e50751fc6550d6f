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
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mholt/archives"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Snapshot directory layout:
//
//	<root>/metadata.json
//	<root>/places/<PREFIX>.json[.gz]
//	<root>/items/<YYYY-MM>.json[.gz]
//	<root>/samples/<YYYY-Www>.json[.gz]
//	<root>/extensions/<identifier>/...
//	<root>/orphan_mappings.json   (resume-only staging file)
const (
	manifestFilename      = "metadata.json"
	placesDirName         = "places"
	itemsDirName          = "items"
	samplesDirName        = "samples"
	extensionsDirName     = "extensions"
	orphanMappingFilename = "orphan_mappings.json"
	edgeStagingFilename   = "edge_staging.jsonl"
)

// ExportType distinguishes a from-scratch snapshot from one that updates
// a previous snapshot in place.
type ExportType string

const (
	ExportTypeFull        ExportType = "full"
	ExportTypeIncremental ExportType = "incremental"
)

// ManifestStats carries the record counts of a finished export.
type ManifestStats struct {
	PlaceCount  int64 `json:"placeCount"`
	ItemCount   int64 `json:"itemCount"`
	SampleCount int64 `json:"sampleCount"`
}

// ExtensionState is the per-extension portion of the manifest.
type ExtensionState struct {
	RecordCount int64 `json:"recordCount"`
}

// Manifest is the versioned descriptor of a snapshot. It is written at
// export start and finalized at export end; import read-validates it
// before doing anything else. Completion flags are only set true after
// the corresponding phase finishes without error.
type Manifest struct {
	SchemaVersion int        `json:"schemaVersion"`
	ExportID      string     `json:"exportId"`
	ExportMode    string     `json:"exportMode"`
	ExportType    ExportType `json:"exportType"`
	SessionStart  time.Time  `json:"sessionStartDate"`
	SessionFinish *time.Time `json:"sessionFinishDate,omitempty"`

	PlacesCompleted  bool `json:"placesCompleted"`
	ItemsCompleted   bool `json:"itemsCompleted"`
	SamplesCompleted bool `json:"samplesCompleted"`

	Stats          ManifestStats             `json:"stats"`
	LastBackupDate *time.Time                `json:"lastBackupDate,omitempty"`
	Extensions     map[string]ExtensionState `json:"extensions,omitempty"`

	// blake3 hex digests of bucket files, keyed by path relative to the
	// snapshot root; verified on import when present
	Checksums map[string]string `json:"checksums,omitempty"`
}

// decodeManifest decodes a manifest of any known schema version,
// migrating older versions forward. Unknown versions are an error, not a
// best-effort decode.
func decodeManifest(data []byte) (*Manifest, error) {
	var probe struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("probing manifest version: %w", err)
	}

	switch probe.SchemaVersion {
	case 1:
		return migrateManifestV1(data)
	case schemaVersion:
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding manifest: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unsupported snapshot schema version %d (current is %d)", probe.SchemaVersion, schemaVersion)
	}
}

// migrateManifestV1 migrates the original manifest shape, which kept the
// record counts flat, grouped the completion flags in a "completed"
// object, and called lastBackupDate "backupDate".
func migrateManifestV1(data []byte) (*Manifest, error) {
	var v1 struct {
		SchemaVersion int        `json:"schemaVersion"`
		ExportID      string     `json:"exportId"`
		ExportMode    string     `json:"exportMode"`
		ExportType    ExportType `json:"exportType"`
		SessionStart  time.Time  `json:"sessionStartDate"`
		SessionFinish *time.Time `json:"sessionFinishDate"`
		Completed     struct {
			Places  bool `json:"places"`
			Items   bool `json:"items"`
			Samples bool `json:"samples"`
		} `json:"completed"`
		PlaceCount  int64      `json:"placeCount"`
		ItemCount   int64      `json:"itemCount"`
		SampleCount int64      `json:"sampleCount"`
		BackupDate  *time.Time `json:"backupDate"`
	}
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, fmt.Errorf("decoding v1 manifest: %w", err)
	}
	return &Manifest{
		SchemaVersion:    schemaVersion,
		ExportID:         v1.ExportID,
		ExportMode:       v1.ExportMode,
		ExportType:       v1.ExportType,
		SessionStart:     v1.SessionStart,
		SessionFinish:    v1.SessionFinish,
		PlacesCompleted:  v1.Completed.Places,
		ItemsCompleted:   v1.Completed.Items,
		SamplesCompleted: v1.Completed.Samples,
		Stats: ManifestStats{
			PlaceCount:  v1.PlaceCount,
			ItemCount:   v1.ItemCount,
			SampleCount: v1.SampleCount,
		},
		LastBackupDate: v1.BackupDate,
	}, nil
}

// snapshot provides coordinated access to a snapshot directory tree.
type snapshot struct {
	root     string
	fc       *fileCoordinator
	compress bool
}

func (s *snapshot) dir(sub string) string { return filepath.Join(s.root, sub) }

func (s *snapshot) bucketFilename(sub, key string) string {
	name := key + ".json"
	if s.compress {
		name += ".gz"
	}
	return filepath.Join(s.root, sub, name)
}

func (s *snapshot) manifestPath() string { return filepath.Join(s.root, manifestFilename) }

func (s *snapshot) writeManifest(m *Manifest) error {
	return s.fc.write(s.manifestPath(), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return enc.Encode(m)
	})
}

func (s *snapshot) readManifest() (*Manifest, error) {
	var m *Manifest
	err := s.fc.read(s.manifestPath(), func(r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		m, err = decodeManifest(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// writeBucket JSON-encodes records into the bucket file for key inside
// sub, optionally gzipped, and returns the blake3 digest of the file as
// written.
func (s *snapshot) writeBucket(sub, key string, records any) (string, error) {
	if err := os.MkdirAll(s.dir(sub), 0755); err != nil {
		return "", fmt.Errorf("creating %s folder: %w", sub, err)
	}

	hash := blake3.New()
	path := s.bucketFilename(sub, key)

	err := s.fc.write(path, func(w io.Writer) error {
		w = io.MultiWriter(w, hash)
		if s.compress {
			gzw, err := archives.Gz{}.OpenWriter(w)
			if err != nil {
				return fmt.Errorf("opening gzip writer: %w", err)
			}
			if err := json.NewEncoder(gzw).Encode(records); err != nil {
				gzw.Close()
				return err
			}
			return gzw.Close()
		}
		return json.NewEncoder(w).Encode(records)
	})
	if err != nil {
		return "", fmt.Errorf("writing bucket %s/%s: %w", sub, key, err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// readBucket decodes the bucket file at path (relative to the snapshot
// root) into target, transparently decompressing ".gz" files. If expected
// checksums are given and contain the path, the file digest is verified
// first.
func (s *snapshot) readBucket(relPath string, target any, checksums map[string]string) error {
	full := filepath.Join(s.root, filepath.FromSlash(relPath))
	return s.fc.read(full, func(r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading bucket file: %w", err)
		}

		if want, ok := checksums[relPath]; ok {
			sum := blake3.Sum256(data)
			if got := hex.EncodeToString(sum[:]); got != want {
				return fmt.Errorf("bucket file %s failed checksum verification (got %s, want %s)", relPath, got, want)
			}
		}

		var rd io.Reader = bytes.NewReader(data)
		if strings.HasSuffix(relPath, ".gz") {
			gzr, err := archives.Gz{}.OpenReader(rd)
			if err != nil {
				return fmt.Errorf("opening gzip reader: %w", err)
			}
			defer gzr.Close()
			rd = gzr
		}
		return json.NewDecoder(rd).Decode(target)
	})
}

// listBucketFiles returns the names of the decodable bucket files in sub,
// sorted by name (ReadDir sorts). Conflict copies must be purged first.
func (s *snapshot) listBucketFiles(sub string) ([]string, error) {
	entries, err := os.ReadDir(s.dir(sub))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.gz") {
			names = append(names, name)
		}
	}
	return names, nil
}

// conflictCopyPattern matches the basename (extension stripped) of the
// duplicate files multi-device sync creates, e.g. "2024-05 2.json" or
// "2024-05 (conflicted copy).json". These are always superseded and must
// never be read.
var conflictCopyPattern = regexp.MustCompile(`( \d+| \([^)]+\))$`)

func isConflictCopy(name string) bool {
	name = strings.TrimSuffix(name, ".gz")
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return conflictCopyPattern.MatchString(base)
}

// purgeConflictCopies walks the snapshot tree and deletes stale conflict
// copies before anything reads or diffs the tree.
func (s *snapshot) purgeConflictCopies(logger *zap.Logger) (int, error) {
	var purged int
	if !FileExists(s.root) {
		return 0, nil
	}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConflictCopy(d.Name()) {
			return nil
		}
		if err := s.fc.remove(path); err != nil {
			return fmt.Errorf("removing conflict copy %s: %w", path, err)
		}
		logger.Debug("purged conflict copy", zap.String("path", path))
		purged++
		return nil
	})
	if err != nil {
		return purged, err
	}
	return purged, nil
}

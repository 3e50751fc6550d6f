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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// EdgeRecord captures the intended previous/next linkage of an item
// before the pointers are cleared for conflict-free insertion. Records
// are staged while items are written and consumed by edge restore once
// every item of the run exists in storage.
type EdgeRecord struct {
	ItemID     string  `json:"itemId"`
	PreviousID *string `json:"previousId,omitempty"`
	NextID     *string `json:"nextId,omitempty"`
}

// stagingLog is an append-only JSONL side-channel for edge records.
// It lives in the import working directory; replay always starts from
// the beginning, and the log is truncated once edges are restored.
type stagingLog struct {
	path  string
	f     *os.File
	enc   *json.Encoder
	count int
}

func openStagingLog(path string) (*stagingLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening edge staging log: %w", err)
	}

	// count existing records so replay progress is accurate after resume
	var count int
	rf, err := os.Open(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("counting edge staging log: %w", err)
	}
	dec := json.NewDecoder(rf)
	for {
		var rec EdgeRecord
		if err := dec.Decode(&rec); err != nil {
			break
		}
		count++
	}
	rf.Close()

	return &stagingLog{path: path, f: f, enc: json.NewEncoder(f), count: count}, nil
}

func (sl *stagingLog) append(rec EdgeRecord) error {
	if err := sl.enc.Encode(rec); err != nil {
		return fmt.Errorf("appending edge record: %w", err)
	}
	sl.count++
	return nil
}

func (sl *stagingLog) len() int { return sl.count }

// replay calls fn for every staged record in append order. A malformed
// trailing record (torn write from a crash) ends the replay without error.
func (sl *stagingLog) replay(fn func(EdgeRecord) error) error {
	if err := sl.f.Sync(); err != nil {
		return fmt.Errorf("flushing edge staging log: %w", err)
	}

	f, err := os.Open(sl.path)
	if err != nil {
		return fmt.Errorf("opening edge staging log for replay: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var rec EdgeRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// torn tail; everything before it was already applied
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// reset truncates the log. Called at the start of a (re)run of the items
// phase, since the whole phase restarts on resume, and after edges have
// been restored.
func (sl *stagingLog) reset() error {
	if err := sl.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating edge staging log: %w", err)
	}
	if _, err := sl.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking edge staging log: %w", err)
	}
	sl.count = 0
	return nil
}

func (sl *stagingLog) close() error { return sl.f.Close() }

// orphanBuckets holds the two independent sample buckets accumulated
// during the samples phase: samples whose parent never arrived, and
// enabled-parent/disabled-sample mismatches. Both are keyed by the
// original parent item id. The buckets are persisted beside the local
// snapshot copy after every processed file so a resumed run can rebuild
// group membership without rescanning.
type orphanBuckets struct {
	Orphans   map[string][]string `json:"orphans"`
	Scenario2 map[string][]string `json:"scenario2"`
}

func newOrphanBuckets() *orphanBuckets {
	return &orphanBuckets{
		Orphans:   make(map[string][]string),
		Scenario2: make(map[string][]string),
	}
}

func (ob *orphanBuckets) addOrphan(parentID, sampleID string) {
	ob.Orphans[parentID] = append(ob.Orphans[parentID], sampleID)
}

func (ob *orphanBuckets) addScenario2(parentID, sampleID string) {
	ob.Scenario2[parentID] = append(ob.Scenario2[parentID], sampleID)
}

func (ob *orphanBuckets) empty() bool {
	return len(ob.Orphans) == 0 && len(ob.Scenario2) == 0
}

func saveOrphanBuckets(fc *fileCoordinator, path string, ob *orphanBuckets) error {
	return fc.write(path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(ob)
	})
}

func loadOrphanBuckets(fc *fileCoordinator, path string) (*orphanBuckets, error) {
	ob := newOrphanBuckets()
	err := fc.read(path, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(ob)
	})
	if errors.Is(err, os.ErrNotExist) {
		return newOrphanBuckets(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading orphan mappings: %w", err)
	}
	if ob.Orphans == nil {
		ob.Orphans = make(map[string][]string)
	}
	if ob.Scenario2 == nil {
		ob.Scenario2 = make(map[string][]string)
	}
	return ob, nil
}

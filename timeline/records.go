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
	"fmt"
	"strings"
	"time"
)

// schemaVersion is the current version of both the repository database
// and the portable snapshot format. Older snapshots are migrated at
// decode time by explicit migration functions (see manifest.go).
const schemaVersion = 2

// MovingState is a sample's classified motion at the moment it was taken.
type MovingState string

const (
	MovingStateUncertain  MovingState = "uncertain"
	MovingStateStationary MovingState = "stationary"
	MovingStateMoving     MovingState = "moving"
)

// Item is a contiguous timeline segment, either a Visit (stationary) or a
// Trip (moving). Adjacent items form a doubly-linked chronological list via
// PreviousItemID/NextItemID; a non-null pointer must reference an existing,
// non-deleted item, and previous==next is only valid when both are null.
type Item struct {
	ID             string    `json:"id"`
	IsVisit        bool      `json:"isVisit"`
	Start          time.Time `json:"startDate"`
	End            time.Time `json:"endDate"`
	Disabled       bool      `json:"disabled,omitempty"`
	Deleted        bool      `json:"deleted,omitempty"`
	PreviousItemID *string   `json:"previousItemId,omitempty"`
	NextItemID     *string   `json:"nextItemId,omitempty"`
	LastSaved      time.Time `json:"lastSaved"`

	// exactly one of these is set, matching IsVisit
	Visit *Visit `json:"visit,omitempty"`
	Trip  *Trip  `json:"trip,omitempty"`
}

// Visit holds the stationary variant of an item: where it happened
// and, optionally, which known place it is assigned to.
type Visit struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	RadiusMean     float64 `json:"radiusMean"`
	RadiusSD       float64 `json:"radiusSD"`
	PlaceID        *string `json:"placeId,omitempty"`
	ConfirmedPlace bool    `json:"confirmedPlace,omitempty"`
	UncertainPlace bool    `json:"uncertainPlace,omitempty"`
	CustomTitle    *string `json:"customTitle,omitempty"`
}

// Trip holds the moving variant of an item.
type Trip struct {
	Distance           float64 `json:"distance"`
	ClassifiedActivity *string `json:"activityType,omitempty"`
	ConfirmedActivity  *string `json:"confirmedActivityType,omitempty"`
}

// Sample is a single timestamped observation, the leaf unit that items
// group. TimelineItemID is nullable: a sample may be temporarily or
// permanently unparented. Sample.Disabled should match the parent item's
// Disabled flag; that is a soft invariant reconciled at import, not
// enforced by storage.
type Sample struct {
	ID                 string      `json:"id"`
	TakenAt            time.Time   `json:"date"`
	MovingState        MovingState `json:"movingState"`
	Disabled           bool        `json:"disabled,omitempty"`
	TimelineItemID     *string     `json:"timelineItemId,omitempty"`
	Latitude           *float64    `json:"latitude,omitempty"`
	Longitude          *float64    `json:"longitude,omitempty"`
	Altitude           *float64    `json:"altitude,omitempty"`
	Speed              *float64    `json:"speed,omitempty"`
	Course             *float64    `json:"course,omitempty"`
	ClassifiedActivity *string     `json:"activityType,omitempty"`
	LastSaved          time.Time   `json:"lastSaved"`
}

// Place is an independent entity referenced (not owned) by visits.
type Place struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RadiusMean float64   `json:"radiusMean"`
	RadiusSD   float64   `json:"radiusSD"`
	VisitCount int       `json:"visitCount,omitempty"`
	VisitDays  int       `json:"visitDays,omitempty"`
	LastSaved  time.Time `json:"lastSaved"`
}

// Bucket keys. Snapshot files group records by a partition key so that
// individual files stay a bounded size: places by first id character,
// items by month of start date, samples by ISO week (Monday-start, UTC).

func placeBucketKey(id string) string {
	if id == "" {
		return "_"
	}
	return strings.ToUpper(id[:1])
}

func itemBucketKey(start time.Time) string {
	return start.UTC().Format("2006-01")
}

func sampleBucketKey(takenAt time.Time) string {
	year, week := takenAt.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// weekStart returns the Monday 00:00 UTC that begins the ISO week
// containing t.
func weekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	// Weekday() is Sunday=0; shift so Monday=0
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// MigrationSummary reports the user-visible outcome of an export, import,
// or legacy migration. Partial per-record failures are summarized in the
// counts, not surfaced individually.
type MigrationSummary struct {
	Kind     RunKind   `json:"kind"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	PlaceCount  int64 `json:"place_count"`
	ItemCount   int64 `json:"item_count"`
	SampleCount int64 `json:"sample_count"`

	ExtensionCounts map[string]int64 `json:"extension_counts,omitempty"`

	OrphansRecovered    int64 `json:"orphans_recovered,omitempty"`
	MismatchesPreserved int64 `json:"mismatches_preserved,omitempty"`
	EdgesRestored       int64 `json:"edges_restored,omitempty"`
	EdgesBroken         int64 `json:"edges_broken,omitempty"`
	FilesSkipped        int64 `json:"files_skipped,omitempty"`
	RecordsSkipped      int64 `json:"records_skipped,omitempty"`
}

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func msToTimePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := msToTime(*ms)
	return &t
}

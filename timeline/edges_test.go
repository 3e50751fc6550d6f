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
	"path/filepath"
	"testing"
	"time"
)

func newTestTimeline(t *testing.T) *Timeline {
	t.Helper()
	tl, err := Create(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("creating test timeline: %v", err)
	}
	t.Cleanup(func() { tl.Close() })
	return tl
}

func insertTestItem(t *testing.T, tl *Timeline, id string, deleted bool) {
	t.Helper()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	_, err := tl.db.Exec(`INSERT INTO timeline_items
		(id, is_visit, start_date, end_date, disabled, deleted, last_saved)
		VALUES (?, 1, ?, ?, 0, ?, ?)`,
		id, start.UnixMilli(), start.Add(time.Hour).UnixMilli(), deleted, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("inserting test item %s: %v", id, err)
	}
}

func itemLinks(t *testing.T, tl *Timeline, id string) (prev, next *string) {
	t.Helper()
	var p, n sql.NullString
	err := tl.db.QueryRow(
		`SELECT previous_item_id, next_item_id FROM timeline_items WHERE id=?`, id).Scan(&p, &n)
	if err != nil {
		t.Fatalf("reading links of %s: %v", id, err)
	}
	if p.Valid {
		prev = &p.String
	}
	if n.Valid {
		next = &n.String
	}
	return prev, next
}

func restoreEdges(t *testing.T, tl *Timeline, records []EdgeRecord) *MigrationSummary {
	t.Helper()
	ctx := context.Background()

	staging, err := openStagingLog(filepath.Join(t.TempDir(), edgeStagingFilename))
	if err != nil {
		t.Fatal(err)
	}
	defer staging.close()
	for _, rec := range records {
		if err := staging.append(rec); err != nil {
			t.Fatal(err)
		}
	}

	run, err := tl.runs.begin(ctx, RunKindImport, t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer run.finish(nil)

	summary := &MigrationSummary{Kind: RunKindImport}
	er := &edgeRestorer{tl: tl, log: run.Logger(), run: run, summary: summary}
	if err := er.restore(run.Context(), staging); err != nil {
		t.Fatal(err)
	}
	return summary
}

func TestEdgeRestoreChain(t *testing.T) {
	tl := newTestTimeline(t)
	a, b, c := "item-a", "item-b", "item-c"
	insertTestItem(t, tl, a, false)
	insertTestItem(t, tl, b, false)
	insertTestItem(t, tl, c, false)

	summary := restoreEdges(t, tl, []EdgeRecord{
		{ItemID: a, NextID: &b},
		{ItemID: b, PreviousID: &a, NextID: &c},
		{ItemID: c, PreviousID: &b},
	})

	if summary.EdgesRestored != 3 {
		t.Errorf("expected 3 restored but got %d", summary.EdgesRestored)
	}
	if summary.EdgesBroken != 0 {
		t.Errorf("expected 0 broken but got %d", summary.EdgesBroken)
	}

	prev, next := itemLinks(t, tl, b)
	if prev == nil || *prev != a || next == nil || *next != c {
		t.Errorf("middle of chain wrong: prev=%v next=%v", prev, next)
	}
	if prev, _ := itemLinks(t, tl, a); prev != nil {
		t.Errorf("head of chain should have no previous, got %v", *prev)
	}
	if _, next := itemLinks(t, tl, c); next != nil {
		t.Errorf("tail of chain should have no next, got %v", *next)
	}
}

func TestEdgeRestoreMissingTarget(t *testing.T) {
	tl := newTestTimeline(t)
	a, c := "item-a", "item-c"
	gone := "item-b" // never inserted
	insertTestItem(t, tl, a, false)
	insertTestItem(t, tl, c, false)

	summary := restoreEdges(t, tl, []EdgeRecord{
		{ItemID: a, NextID: &gone},
		{ItemID: c, PreviousID: &gone},
	})

	if summary.EdgesBroken != 2 {
		t.Errorf("expected 2 broken but got %d", summary.EdgesBroken)
	}
	if _, next := itemLinks(t, tl, a); next != nil {
		t.Errorf("expected nulled next, got %v", *next)
	}
	if prev, _ := itemLinks(t, tl, c); prev != nil {
		t.Errorf("expected nulled previous, got %v", *prev)
	}
}

func TestEdgeRestoreDeletedTarget(t *testing.T) {
	tl := newTestTimeline(t)
	a, b := "item-a", "item-b"
	insertTestItem(t, tl, a, false)
	insertTestItem(t, tl, b, true) // deleted

	summary := restoreEdges(t, tl, []EdgeRecord{
		{ItemID: a, NextID: &b},
	})

	if summary.EdgesBroken != 1 {
		t.Errorf("expected 1 broken but got %d", summary.EdgesBroken)
	}
	if _, next := itemLinks(t, tl, a); next != nil {
		t.Errorf("deleted target must not be linked, got %v", *next)
	}
}

func TestEdgeRestoreSelfReference(t *testing.T) {
	tl := newTestTimeline(t)
	a := "item-a"
	insertTestItem(t, tl, a, false)

	summary := restoreEdges(t, tl, []EdgeRecord{
		{ItemID: a, PreviousID: &a, NextID: &a},
	})

	if summary.EdgesBroken != 2 {
		t.Errorf("expected 2 broken self-edges but got %d", summary.EdgesBroken)
	}
	prev, next := itemLinks(t, tl, a)
	if prev != nil || next != nil {
		t.Errorf("self-reference should be fully nulled: prev=%v next=%v", prev, next)
	}
}

func TestEdgeRestoreTwoCycle(t *testing.T) {
	tl := newTestTimeline(t)
	a, b := "item-a", "item-b"
	insertTestItem(t, tl, a, false)
	insertTestItem(t, tl, b, false)

	summary := restoreEdges(t, tl, []EdgeRecord{
		// a points at b in both directions
		{ItemID: a, PreviousID: &b, NextID: &b},
		{ItemID: b, PreviousID: &a, NextID: &a},
	})

	if summary.EdgesBroken != 2 {
		t.Errorf("expected 2 broken cycles but got %d", summary.EdgesBroken)
	}
	prev, next := itemLinks(t, tl, a)
	if prev != nil || next != nil {
		t.Errorf("2-cycle should be fully broken on a: prev=%v next=%v", prev, next)
	}
	prev, next = itemLinks(t, tl, b)
	if prev != nil || next != nil {
		t.Errorf("2-cycle should be fully broken on b: prev=%v next=%v", prev, next)
	}
}

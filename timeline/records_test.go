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
	"testing"
	"time"
)

func TestPlaceBucketKey(t *testing.T) {
	for i, tc := range []struct {
		id     string
		expect string
	}{
		{"abc-123", "A"},
		{"ZED", "Z"},
		{"9f0", "9"},
		{"", "_"},
	} {
		if actual := placeBucketKey(tc.id); actual != tc.expect {
			t.Errorf("[%d] placeBucketKey(%q): expected %q but got %q", i, tc.id, tc.expect, actual)
		}
	}
}

func TestItemBucketKey(t *testing.T) {
	for i, tc := range []struct {
		start  time.Time
		expect string
	}{
		{time.Date(2024, 5, 12, 10, 30, 0, 0, time.UTC), "2024-05"},
		{time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC), "2023-12"},
		// month boundary in a non-UTC zone still buckets by UTC
		{time.Date(2024, 1, 1, 0, 30, 0, 0, time.FixedZone("plus1", 3600)), "2023-12"},
	} {
		if actual := itemBucketKey(tc.start); actual != tc.expect {
			t.Errorf("[%d] itemBucketKey(%v): expected %q but got %q", i, tc.start, tc.expect, actual)
		}
	}
}

func TestSampleBucketKey(t *testing.T) {
	for i, tc := range []struct {
		takenAt time.Time
		expect  string
	}{
		// 2024-01-01 is a Monday in ISO week 1
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "2024-W01"},
		{time.Date(2024, 1, 7, 23, 59, 59, 0, time.UTC), "2024-W01"},
		{time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), "2024-W02"},
		// the first days of January can belong to the prior ISO year
		{time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), "2026-W53"},
	} {
		if actual := sampleBucketKey(tc.takenAt); actual != tc.expect {
			t.Errorf("[%d] sampleBucketKey(%v): expected %q but got %q", i, tc.takenAt, tc.expect, actual)
		}
	}
}

func TestWeekStart(t *testing.T) {
	for i, tc := range []struct {
		in     time.Time
		expect time.Time
	}{
		{
			in:     time.Date(2024, 5, 15, 13, 45, 0, 0, time.UTC), // Wednesday
			expect: time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC),
		},
		{
			in:     time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), // Monday already
			expect: time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC),
		},
		{
			in:     time.Date(2024, 5, 19, 23, 0, 0, 0, time.UTC), // Sunday
			expect: time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC),
		},
	} {
		if actual := weekStart(tc.in); !actual.Equal(tc.expect) {
			t.Errorf("[%d] weekStart(%v): expected %v but got %v", i, tc.in, tc.expect, actual)
		}
	}

	// every instant in a week must map to the same week start as its key
	for d := 0; d < 14; d++ {
		in := time.Date(2024, 5, 13, 7, 0, 0, 0, time.UTC).AddDate(0, 0, d)
		if sampleBucketKey(in) != sampleBucketKey(weekStart(in)) {
			t.Errorf("day +%d: weekStart changed the bucket key", d)
		}
	}
}

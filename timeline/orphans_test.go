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
	"math"
	"testing"
	"time"
)

func samplesWithStates(states ...MovingState) []Sample {
	samples := make([]Sample, len(states))
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, state := range states {
		samples[i] = Sample{
			ID:          string(rune('a' + i)),
			TakenAt:     base.Add(time.Duration(i) * time.Minute),
			MovingState: state,
		}
	}
	return samples
}

func TestClassifyOrphanGroup(t *testing.T) {
	st := MovingStateStationary
	mv := MovingStateMoving
	un := MovingStateUncertain

	for i, tc := range []struct {
		states []MovingState
		expect groupResolution
	}{
		// too small to classify
		{[]MovingState{}, resolveSingletons},
		{[]MovingState{st}, resolveSingletons},

		// unanimous groups
		{[]MovingState{st, st, st}, resolveAsVisit},
		{[]MovingState{mv, mv, mv}, resolveAsTrip},

		// 9/10 stationary > 0.8
		{[]MovingState{st, st, st, st, st, st, st, st, st, mv}, resolveAsVisit},
		// exactly 0.8 is mixed, not a visit
		{[]MovingState{st, st, st, st, mv}, resolveSingletons},
		// exactly 0.2 is mixed, not a trip
		{[]MovingState{st, mv, mv, mv, mv}, resolveSingletons},
		// 1/10 stationary < 0.2
		{[]MovingState{st, mv, mv, mv, mv, mv, mv, mv, mv, mv}, resolveAsTrip},

		// uncertain counts as non-stationary
		{[]MovingState{un, un, un}, resolveAsTrip},
		{[]MovingState{st, st, un, un}, resolveSingletons},
	} {
		if actual := classifyOrphanGroup(samplesWithStates(tc.states...)); actual != tc.expect {
			t.Errorf("[%d] classifyOrphanGroup(%v): expected %v but got %v", i, tc.states, tc.expect, actual)
		}
	}
}

func TestRebuiltItemSpansSamples(t *testing.T) {
	lat1, lon1 := 51.5000, -0.1200
	lat2, lon2 := 51.5002, -0.1202
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	samples := []Sample{
		{ID: "s1", TakenAt: base.Add(10 * time.Minute), MovingState: MovingStateStationary, Latitude: &lat1, Longitude: &lon1},
		{ID: "s2", TakenAt: base, MovingState: MovingStateStationary, Latitude: &lat2, Longitude: &lon2},
		{ID: "s3", TakenAt: base.Add(5 * time.Minute), MovingState: MovingStateStationary, Latitude: &lat1, Longitude: &lon1},
	}

	it := rebuiltItem("new-id", true, samples)
	if it.ID != "new-id" || !it.IsVisit {
		t.Fatalf("wrong identity: %+v", it)
	}
	if !it.Start.Equal(base) {
		t.Errorf("expected start %v but got %v", base, it.Start)
	}
	if !it.End.Equal(base.Add(10 * time.Minute)) {
		t.Errorf("expected end %v but got %v", base.Add(10*time.Minute), it.End)
	}
	if it.Visit == nil {
		t.Fatal("expected a visit variant")
	}
	if math.Abs(it.Visit.Latitude-51.5) > 0.001 || math.Abs(it.Visit.Longitude+0.12) > 0.001 {
		t.Errorf("centroid off: %f, %f", it.Visit.Latitude, it.Visit.Longitude)
	}
}

func TestRebuiltTripDistance(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	lat1, lon1 := 51.5000, -0.1200
	lat2, lon2 := 51.5090, -0.1200 // roughly 1km north

	samples := []Sample{
		{ID: "s1", TakenAt: base, MovingState: MovingStateMoving, Latitude: &lat1, Longitude: &lon1},
		{ID: "s2", TakenAt: base.Add(10 * time.Minute), MovingState: MovingStateMoving, Latitude: &lat2, Longitude: &lon2},
	}

	it := rebuiltItem("trip-id", false, samples)
	if it.Trip == nil {
		t.Fatal("expected a trip variant")
	}
	if it.Trip.Distance < 900 || it.Trip.Distance > 1100 {
		t.Errorf("expected ~1000m distance but got %f", it.Trip.Distance)
	}
}

func TestHaversineMeters(t *testing.T) {
	// same point
	if d := haversineMeters(51.5, -0.12, 51.5, -0.12); d != 0 {
		t.Errorf("expected 0 but got %f", d)
	}
	// one degree of latitude is about 111km
	if d := haversineMeters(51.0, 0, 52.0, 0); math.Abs(d-111195) > 500 {
		t.Errorf("expected ~111195m but got %f", d)
	}
}

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
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FakeDataOptions configures GenerateFakeData.
type FakeDataOptions struct {
	// Days of history to generate, ending now. Defaults to 7.
	Days int

	// Places to generate and assign visits to. Defaults to 10.
	Places int

	// Seed makes generation deterministic when non-zero.
	Seed uint64
}

// GenerateFakeData fills the timeline store with plausible synthetic
// data: a set of places, an alternating visit/trip chain covering the
// requested span, and location samples parented to the chain. Useful for
// demos and for exercising export without real location history.
func (tl *Timeline) GenerateFakeData(ctx context.Context, opts FakeDataOptions) error {
	if opts.Days <= 0 {
		opts.Days = 7
	}
	if opts.Places <= 0 {
		opts.Places = 10
	}

	// New(0) picks a random seed
	faker := gofakeit.New(opts.Seed)

	// home base; everything is generated within wandering distance of it
	baseLat := faker.Latitude()
	baseLon := faker.Longitude()
	now := time.Now().UTC()

	places := make([]Place, opts.Places)
	for i := range places {
		places[i] = Place{
			ID:         uuid.NewString(),
			Name:       faker.Company(),
			Latitude:   baseLat + faker.Float64Range(-0.05, 0.05),
			Longitude:  baseLon + faker.Float64Range(-0.05, 0.05),
			RadiusMean: faker.Float64Range(10, 80),
			RadiusSD:   faker.Float64Range(2, 20),
			LastSaved:  now,
		}
	}

	var items []Item
	var samples []Sample
	cursor := now.AddDate(0, 0, -opts.Days)
	isVisit := true

	for cursor.Before(now) {
		var dur time.Duration
		if isVisit {
			dur = time.Duration(faker.IntRange(30, 300)) * time.Minute
		} else {
			dur = time.Duration(faker.IntRange(10, 90)) * time.Minute
		}
		end := cursor.Add(dur)
		if end.After(now) {
			end = now
		}

		it := Item{
			ID:        uuid.NewString(),
			IsVisit:   isVisit,
			Start:     cursor,
			End:       end,
			LastSaved: now,
		}
		if isVisit {
			p := places[faker.IntRange(0, len(places)-1)]
			it.Visit = &Visit{
				Latitude:   p.Latitude,
				Longitude:  p.Longitude,
				RadiusMean: p.RadiusMean,
				RadiusSD:   p.RadiusSD,
				PlaceID:    &p.ID,
			}
		} else {
			it.Trip = &Trip{
				Distance:           faker.Float64Range(500, 20000),
				ClassifiedActivity: ptr(faker.RandomString([]string{"walking", "cycling", "car", "transport"})),
			}
		}

		// one sample a minute, jittered around the item's location
		state := MovingStateStationary
		if !isVisit {
			state = MovingStateMoving
		}
		for t := cursor; t.Before(end); t = t.Add(time.Minute) {
			lat := baseLat + faker.Float64Range(-0.05, 0.05)
			lon := baseLon + faker.Float64Range(-0.05, 0.05)
			if it.Visit != nil {
				lat = it.Visit.Latitude + faker.Float64Range(-0.0005, 0.0005)
				lon = it.Visit.Longitude + faker.Float64Range(-0.0005, 0.0005)
			}
			samples = append(samples, Sample{
				ID:             uuid.NewString(),
				TakenAt:        t,
				MovingState:    state,
				TimelineItemID: &it.ID,
				Latitude:       &lat,
				Longitude:      &lon,
				LastSaved:      now,
			})
		}

		items = append(items, it)
		cursor = end
		isVisit = !isVisit
	}

	linkChain(items)

	if err := tl.insertFake(ctx, places, items, samples); err != nil {
		return err
	}

	Log.Info("generated fake data",
		zap.Int("places", len(places)),
		zap.Int("items", len(items)),
		zap.Int("samples", len(samples)))
	return nil
}

// linkChain wires consecutive items into the doubly-linked list.
func linkChain(items []Item) {
	for i := range items {
		if i > 0 {
			items[i].PreviousItemID = &items[i-1].ID
		}
		if i+1 < len(items) {
			items[i].NextItemID = &items[i+1].ID
		}
	}
}

func (tl *Timeline) insertFake(ctx context.Context, places []Place, items []Item, samples []Sample) error {
	tl.dbMu.Lock()
	defer tl.dbMu.Unlock()

	tx, err := tl.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range places {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO places
			(id, name, latitude, longitude, radius_mean, radius_sd, visit_count, visit_days, last_saved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Latitude, p.Longitude, p.RadiusMean, p.RadiusSD,
			p.VisitCount, p.VisitDays, p.LastSaved.UnixMilli()); err != nil {
			return fmt.Errorf("inserting fake place: %w", err)
		}
	}
	for i := range items {
		it := items[i]
		it.PreviousItemID, it.NextItemID = nil, nil
		if err := insertItemTx(ctx, tx, it); err != nil {
			return fmt.Errorf("inserting fake item: %w", err)
		}
	}
	// the chain references items in both directions, so the links go in
	// only after every item row exists
	for i := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE timeline_items SET previous_item_id=?, next_item_id=? WHERE id=?`,
			items[i].PreviousItemID, items[i].NextItemID, items[i].ID); err != nil {
			return fmt.Errorf("linking fake item: %w", err)
		}
	}
	for _, s := range samples {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO samples
			(id, taken_at, moving_state, disabled, timeline_item_id,
			latitude, longitude, altitude, speed, course, classified_activity, last_saved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.TakenAt.UnixMilli(), string(s.MovingState), s.Disabled,
			s.TimelineItemID, s.Latitude, s.Longitude,
			s.Altitude, s.Speed, s.Course, s.ClassifiedActivity,
			s.LastSaved.UnixMilli()); err != nil {
			return fmt.Errorf("inserting fake sample: %w", err)
		}
	}

	return tx.Commit()
}

func ptr[T any](v T) *T { return &v }

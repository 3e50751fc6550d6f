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

// RecordingController is implemented by the live location-sensing and
// recording subsystem, which this package does not own. Migrations pause
// recording while they run so the recorder cannot race with a
// half-restored edge graph.
type RecordingController interface {
	// Pause stops recording and observation and reports whether
	// recording was running before the call.
	Pause() (wasRecording bool)

	// Restore returns the subsystem to the given pre-migration state.
	Restore(wasRecording bool)
}

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
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Modified from https://medium.com/@petrlozhkin/kmutex-lock-mutex-by-unique-id-408467659c24

type mapMutex struct {
	cond *sync.Cond
	set  map[any]struct{}
}

func newMapMutex() *mapMutex {
	return &mapMutex{
		cond: sync.NewCond(new(sync.Mutex)),
		set:  make(map[any]struct{}),
	}
}

func (mmu *mapMutex) Lock(key any) {
	mmu.cond.L.Lock()
	defer mmu.cond.L.Unlock()
	for mmu.locked(key) {
		mmu.cond.Wait()
	}
	mmu.set[key] = struct{}{}
}

func (mmu *mapMutex) Unlock(key any) {
	mmu.cond.L.Lock()
	defer mmu.cond.L.Unlock()
	delete(mmu.set, key)
	mmu.cond.Broadcast()
}

func (mmu *mapMutex) locked(key any) (ok bool) {
	_, ok = mmu.set[key]
	return
}

// fileCoordinator serializes file access per-path and makes every write
// atomic (write to a temp file in the same directory, fsync, rename), so
// a concurrently-syncing remote store can never observe or create a
// half-written file.
type fileCoordinator struct {
	paths *mapMutex
}

func newFileCoordinator() *fileCoordinator {
	return &fileCoordinator{paths: newMapMutex()}
}

// write calls fn with a writer for path, then atomically moves the
// completed file into place. The parent directory must exist.
func (fc *fileCoordinator) write(path string, fn func(io.Writer) error) error {
	fc.paths.Lock(path)
	defer fc.paths.Unlock(path)

	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+base+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if err := fn(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("moving %s into place: %w", base, err)
	}
	return nil
}

// read calls fn with a reader for path while holding the path's lock, so
// a torn write is never observed.
func (fc *fileCoordinator) read(path string, fn func(io.Reader) error) error {
	fc.paths.Lock(path)
	defer fc.paths.Unlock(path)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(f)
}

// remove deletes path while holding its lock. Missing files are not an error.
func (fc *fileCoordinator) remove(path string) error {
	fc.paths.Lock(path)
	defer fc.paths.Unlock(path)

	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Package memgpio provides an in-memory GPIO bank.
//
// Both sides of a simulated link share one Bank: the link layer drives its
// output lines and watches its inputs, while a simulated modem does the
// opposite. Watchers run synchronously on the goroutine that changed the
// level, after the bank lock is released.
package memgpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/pkg"
)

// Bank implements hal.GPIO in memory.
type Bank struct {
	mu       sync.Mutex
	levels   [hal.NumLines]bool
	changes  [hal.NumLines]uint64
	watchers [hal.NumLines]map[int]func(hal.Edge)
	nextID   int
}

// New returns a Bank with every line deasserted.
func New() *Bank {
	return &Bank{}
}

// Set drives line to level. Watchers are notified only on a change.
func (b *Bank) Set(line hal.Line, level bool) error {
	if line >= hal.NumLines {
		return fmt.Errorf("%w: line %d", pkg.ErrInvalidParameter, line)
	}

	b.mu.Lock()
	if b.levels[line] == level {
		b.mu.Unlock()
		return nil
	}
	b.levels[line] = level
	b.changes[line]++
	fns := make([]func(hal.Edge), 0, len(b.watchers[line]))
	for _, fn := range b.watchers[line] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "gpio", "line", line, "level", level)

	edge := hal.Edge{Line: line, Level: level, Time: time.Now()}
	for _, fn := range fns {
		fn(edge)
	}
	return nil
}

// Get returns the current level of line.
func (b *Bank) Get(line hal.Line) (bool, error) {
	if line >= hal.NumLines {
		return false, fmt.Errorf("%w: line %d", pkg.ErrInvalidParameter, line)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels[line], nil
}

// Watch registers fn for level changes on line.
func (b *Bank) Watch(line hal.Line, fn func(hal.Edge)) (func(), error) {
	if line >= hal.NumLines || fn == nil {
		return nil, fmt.Errorf("%w: watch line %d", pkg.ErrInvalidParameter, line)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watchers[line] == nil {
		b.watchers[line] = make(map[int]func(hal.Edge))
	}
	id := b.nextID
	b.nextID++
	b.watchers[line][id] = fn

	return func() {
		b.mu.Lock()
		delete(b.watchers[line], id)
		b.mu.Unlock()
	}, nil
}

// Changes returns how many times line changed level.
func (b *Bank) Changes(line hal.Line) uint64 {
	if line >= hal.NumLines {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changes[line]
}

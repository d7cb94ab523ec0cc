// Package optimistic applies a tentative change to a value, runs the request
// that makes it real, and puts the captured snapshot back if the request fails.
package optimistic

import "sync"

// Cell holds a value of type T behind a mutex.
type Cell[T any] struct {
	mu  sync.Mutex
	val T
}

// NewCell returns a Cell holding v.
func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{val: v}
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}

// Set replaces the current value.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.val = v
	c.mu.Unlock()
}

// Update applies fn to the current value under the lock.
func (c *Cell[T]) Update(fn func(T) T) {
	c.mu.Lock()
	c.val = fn(c.val)
	c.mu.Unlock()
}

// Apply captures the current value, stores tentative(captured), then calls
// commit without holding the lock. If commit fails the captured value is
// restored and the error returned.
//
// Writes made by others between the tentative store and a failed commit are
// overwritten by the restore.
func Apply[T any](c *Cell[T], tentative func(T) T, commit func() error) error {
	c.mu.Lock()
	before := c.val
	c.val = tentative(before)
	c.mu.Unlock()

	if err := commit(); err != nil {
		c.Set(before)
		return err
	}
	return nil
}

// Package scheduler provides the fair ordering used to poll clients.
package scheduler

import (
	"github.com/juju/errors"
)

const ErrEmpty = errors.ConstError("round robin scheduler is empty")

// RoundRobin cycles through its items in insertion order. Items added
// during a cycle are visited at the end of it; removing an item never
// makes another one skip its turn.
type RoundRobin[T comparable] struct {
	items  []T
	cursor int
}

func CreateRoundRobin[T comparable]() *RoundRobin[T] {
	return &RoundRobin[T]{}
}

func (r *RoundRobin[T]) indexOf(item T) int {
	for i, existing := range r.items {
		if existing == item {
			return i
		}
	}
	return -1
}

func (r *RoundRobin[T]) Add(item T) error {
	if r.indexOf(item) >= 0 {
		return errors.AlreadyExistsf("scheduler item %v", item)
	}
	r.items = append(r.items, item)
	return nil
}

func (r *RoundRobin[T]) Remove(item T) error {
	if len(r.items) == 0 {
		return ErrEmpty
	}

	i := r.indexOf(item)
	if i < 0 {
		return errors.NotFoundf("scheduler item %v", item)
	}

	r.items = append(r.items[:i], r.items[i+1:]...)
	if i < r.cursor {
		r.cursor--
	}
	if r.cursor >= len(r.items) {
		r.cursor = 0
	}
	return nil
}

func (r *RoundRobin[T]) Contains(item T) bool {
	return r.indexOf(item) >= 0
}

func (r *RoundRobin[T]) Next() (T, error) {
	if len(r.items) == 0 {
		var zero T
		return zero, ErrEmpty
	}

	item := r.items[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.items)
	return item, nil
}

func (r *RoundRobin[T]) Len() int {
	return len(r.items)
}

func (r *RoundRobin[T]) Empty() bool {
	return len(r.items) == 0
}

// Items returns the items in the order Next would visit them.
func (r *RoundRobin[T]) Items() []T {
	items := make([]T, 0, len(r.items))
	items = append(items, r.items[r.cursor:]...)
	return append(items, r.items[:r.cursor]...)
}

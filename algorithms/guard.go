package algorithms

import (
	"errors"
	"fmt"
)

// Locker is the part of Mutex the guard needs.
type Locker interface {
	RequestCS() error
	ReleaseCS() error
}

// WithCriticalSection runs work inside the critical section. The section is
// released on every exit path, including a failing or panicking work
// function; a panic is re-raised after the release.
func WithCriticalSection(l Locker, work func() error) (err error) {
	if err := l.RequestCS(); err != nil {
		return fmt.Errorf("enter critical section: %w", err)
	}
	defer func() {
		if rerr := l.ReleaseCS(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("leave critical section: %w", rerr))
		}
	}()
	return work()
}

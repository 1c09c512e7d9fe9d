// Package xsync holds goroutine helpers that convert panics into errors.
package xsync

import (
	"golang.org/x/xerrors"
)

// Go allows running a function in another goroutine
// and waiting for its error.
func Go(fn func() error) <-chan error {
	errs := make(chan error, 1)
	go func() {
		errs <- Recover(fn)
	}()
	return errs
}

// Recover calls fn and returns its error, or an error describing
// the panic if fn panicked.
func Recover(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = xerrors.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

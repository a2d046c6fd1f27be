package server

import "errors"

var (
	// ErrConnClosed is returned when writing to a connection that has
	// already been marked dead.
	ErrConnClosed = errors.New("connection closed")

	// ErrManagerClosed is returned when registering on a manager that
	// has been shut down.
	ErrManagerClosed = errors.New("manager closed")
)

package queue

import "errors"

// Job is one device's rendered stack directory awaiting bring-up.
type Job struct {
	ID     string
	Serial string
	Dir    string
	Seq    int
}

var (
	// ErrClosed is returned by Put after Close.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by Put when the queue has no free capacity.
	ErrFull = errors.New("queue full")
)

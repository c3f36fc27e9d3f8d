// SPDX-License-Identifier: MIT

package queue

import "errors"

// Sentinel errors of the queue core. The API layer maps these to HTTP
// status codes; everything else surfaces as a transient 5xx.
var (
	// ErrBadRequest marks validation failures. Wrap with context:
	// fmt.Errorf("%w: size must be positive", ErrBadRequest).
	ErrBadRequest = errors.New("bad request")
	// ErrUnauthorized marks missing or invalid host credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound marks unknown short codes and party ids.
	ErrNotFound = errors.New("not found")
	// ErrSessionClosed rejects mutations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrQueueFull rejects joins that would exceed session capacity.
	ErrQueueFull = errors.New("queue full")
)

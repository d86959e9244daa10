package centralmutex

import (
	"errors"

	"github.com/ozanturksever/go-centralmutex/protocol"
)

// Coordination errors.
var (
	// ErrMalformedMessage indicates an unparseable protocol line.
	ErrMalformedMessage = protocol.ErrMalformedMessage

	// ErrConnectionLost indicates a read, write or dial failure (or timeout) on a
	// coordinator connection. At the agent it signals a probable coordinator death.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAddressInUse indicates another coordinator already holds the endpoint.
	ErrAddressInUse = errors.New("coordinator address already in use")

	// ErrProtocolViolation indicates a message kind that is invalid for the current state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAlreadyStarted indicates a coordinator or simulation was already started.
	ErrAlreadyStarted = errors.New("already started")

	// ErrProcessDestroyed indicates the process has been destroyed.
	ErrProcessDestroyed = errors.New("process destroyed")

	// ErrProcessExists indicates a process with the same id is already registered.
	ErrProcessExists = errors.New("process already registered")

	// ErrProcessNotFound indicates no process with the given id is registered.
	ErrProcessNotFound = errors.New("process not found")

	// ErrAcquireInProgress indicates the process already has an outstanding request.
	ErrAcquireInProgress = errors.New("acquisition already in progress")

	// ErrIDSpaceExhausted indicates no free process id could be sampled.
	ErrIDSpaceExhausted = errors.New("process id space exhausted")
)

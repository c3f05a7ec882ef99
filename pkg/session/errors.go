package session

import (
	"errors"

	"github.com/donedgardo/rollback/pkg/protocol"
	"github.com/donedgardo/rollback/pkg/rollback"
)

var (
	// ErrInvalidRequest reports a construction or usage error: bad player
	// list, unknown handle, missing staged input. Never recovered
	// internally.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotSynchronized is returned while peers are still handshaking (or
	// after the session's upstream is gone, for spectators).
	ErrNotSynchronized = errors.New("session not synchronized")

	// ErrPredictionThreshold is the stall status: the simulation already
	// runs a full prediction window ahead of confirmation. Retry after the
	// next poll.
	ErrPredictionThreshold = rollback.ErrPredictionThreshold

	// ErrNotConnected is returned for stats queries on handles that are not
	// (or no longer) connected.
	ErrNotConnected = protocol.ErrNotConnected

	// ErrDesync reports unrecoverable divergence; the session cannot repair
	// the affected participation by resimulation.
	ErrDesync = errors.New("desynchronized, cannot recover")

	// ErrSpectatorTooFarBehind means the host overwrote parts of the input
	// stream the spectator had not consumed yet.
	ErrSpectatorTooFarBehind = errors.New("spectator too far behind host")
)

package domain

import "errors"

var (
	ErrNoEndpoint     = errors.New("no reachable endpoint")
	ErrAlreadyBound   = errors.New("queue binding already active")
	ErrRelayClosed    = errors.New("queue relay closed")
	ErrNotBound       = errors.New("queue not bound")
	ErrGatewayClosed  = errors.New("gateway closed")
	ErrAlreadyStarted = errors.New("connection attempt already started")
)

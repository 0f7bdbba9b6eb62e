package server

import "errors"

var (
	ErrClientNotFound = errors.New("client not connected")
	ErrWorkerNotFound = errors.New("worker not connected")
	ErrConnClosed     = errors.New("connection closed")
)

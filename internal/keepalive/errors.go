package keepalive

import (
	"errors"

	"dev.c0redev.kalive/internal/vpn"
)

// Epoch failures. All but ErrWatchdogProbe end the current epoch.
var (
	ErrNoExitsFound     = errors.New("no exits found")
	ErrNoBridgesFound   = errors.New("no bridges found")
	ErrBridgesExhausted = errors.New("ran out of bridges")
	ErrConnectTimeout   = errors.New("initial connection timeout")
	ErrAuthTimeout      = errors.New("authentication timed out")
	ErrAuthFailure      = errors.New("authentication failed")
	ErrStreamOpen       = errors.New("stream open failed")
	ErrTransport        = vpn.ErrTransport
	ErrWatchdogProbe    = errors.New("watchdog probe failed")

	ErrRequestsClosed = errors.New("request mailbox closed")
	ErrClosed         = errors.New("keepalive closed")
)

package model

import (
	"errors"
)

var (
	ErrNoSources      = errors.New("no test sources")
	ErrNoSink         = errors.New("no events sink")
	ErrHostLaunch     = errors.New("test host launch failed")
	ErrConnectTimeout = errors.New("test host connection timed out")
	ErrAborted        = errors.New("operation aborted")
	ErrHostNotRunning = errors.New("test host not running")
)

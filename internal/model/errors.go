package model

import (
	"errors"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported config version")
	ErrNoSchedule         = errors.New("timer mode requires service.schedule")
)

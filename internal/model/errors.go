package model

import (
	"errors"
)

var (
	ErrEmptyConfig = errors.New("empty config")
)

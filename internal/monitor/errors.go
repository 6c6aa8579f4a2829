package monitor

import "errors"

var ErrSessionExists = errors.New("a monitoring session for this build already exists")

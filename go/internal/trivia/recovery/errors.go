package recovery

import "errors"

var errPanicked = errors.New("check panicked")

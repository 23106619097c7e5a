package core

import "time"

var baseTimeout = 2 * time.Second

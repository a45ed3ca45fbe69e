package ydm

import "errors"

// ErrMisconfiguration marks invalid curve parameters at construction time.
var ErrMisconfiguration = errors.New("ydm: misconfiguration")

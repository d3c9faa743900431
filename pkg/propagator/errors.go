package propagator

import "errors"

var (
	ErrApplyPanic  = errors.New("diagram engine panicked while applying change")
	ErrEmptyChange = errors.New("change carries neither delta nor snapshot")
)

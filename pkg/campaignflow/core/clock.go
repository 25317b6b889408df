package core

import "time"

// Clock lets the engine and repositories be driven by a fake time source in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func NewRealClock() Clock { return RealClock{} }

func (RealClock) Now() time.Time { return time.Now().UTC() }

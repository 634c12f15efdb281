package pv

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies transition timestamps and WARC-Date values.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator issues event and container ids.
type IDGenerator interface {
	New() string
}

// UUIDGenerator issues random version 4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }

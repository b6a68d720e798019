package chrono

import (
	"sync"
	"time"
)

// API provides the current time in the zone procurement dates are published in.
type API interface {
	Now() time.Time
	Location() *time.Location
}

const DefaultTimezone = "Asia/Tokyo"

type StandardImpl struct {
	location *time.Location
}

// NewStandardImpl loads the given zone, an empty name means DefaultTimezone.
func NewStandardImpl(timezone string) (StandardImpl, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return StandardImpl{}, err
	}
	return StandardImpl{location: location}, nil
}

func (s StandardImpl) Now() time.Time {
	return time.Now().In(s.location)
}

func (s StandardImpl) Location() *time.Location {
	return s.location
}

// Fixed is an API frozen at a single instant.
type Fixed struct {
	At time.Time
}

func (f Fixed) Now() time.Time {
	return f.At
}

func (f Fixed) Location() *time.Location {
	return f.At.Location()
}

// Manual is an API whose time only moves when told to.
type Manual struct {
	mutex sync.Mutex
	at    time.Time
}

func NewManual(at time.Time) *Manual {
	return &Manual{at: at}
}

func (m *Manual) Now() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.at
}

func (m *Manual) Location() *time.Location {
	return m.Now().Location()
}

func (m *Manual) Advance(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.at = m.at.Add(d)
}

package reasoning

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ringsaturn/tzf"

	"github.com/MrWong99/waypoint/internal/tool"
)

// Method records how a session's timezone was resolved.
type Method string

const (
	// MethodExplicit means the client named an IANA zone.
	MethodExplicit Method = "explicit"

	// MethodCoordinates means the zone was looked up from the session location.
	MethodCoordinates Method = "coordinates"

	// MethodFallback means neither was usable and UTC applies.
	MethodFallback Method = "fallback"
)

// Zone is a resolved timezone together with the method that produced it.
type Zone struct {
	Location *time.Location
	Method   Method
}

// Name returns the IANA name of the zone.
func (z Zone) Name() string {
	if z.Location == nil {
		return "UTC"
	}
	return z.Location.String()
}

// utcZone is the fallback tier.
var utcZone = Zone{Location: time.UTC, Method: MethodFallback}

// Locator maps a coordinate to an IANA zone name. It returns "" when the point
// has no known zone. The argument order follows tzf: longitude first.
type Locator interface {
	GetTimezoneName(lng, lat float64) string
}

// NewLocator loads the embedded timezone boundary data.
func NewLocator() (Locator, error) {
	f, err := tzf.NewDefaultFinder()
	if err != nil {
		return nil, fmt.Errorf("reasoning: load timezone finder: %w", err)
	}
	return f, nil
}

// Resolver applies the three-tier timezone strategy: explicit zone name, then
// coordinate lookup, then UTC.
type Resolver struct {
	locator Locator
}

// NewResolver creates a Resolver. A nil locator disables the coordinate tier.
func NewResolver(locator Locator) *Resolver {
	return &Resolver{locator: locator}
}

// Resolve returns the zone for the given client-supplied name and location.
// Invalid inputs fall through to the next tier.
func (r *Resolver) Resolve(name string, loc *tool.Location) Zone {
	if name != "" {
		if l, err := time.LoadLocation(name); err == nil {
			return Zone{Location: l, Method: MethodExplicit}
		}
		slog.Debug("reasoning: unknown timezone name", "timezone", name)
	}
	if loc != nil && r != nil && r.locator != nil && validCoordinate(*loc) {
		if zn := r.locator.GetTimezoneName(loc.Lng, loc.Lat); zn != "" {
			if l, err := time.LoadLocation(zn); err == nil {
				return Zone{Location: l, Method: MethodCoordinates}
			}
		}
	}
	return utcZone
}

func validCoordinate(l tool.Location) bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lng) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

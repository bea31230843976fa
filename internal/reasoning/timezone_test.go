package reasoning

import (
	"math"
	"testing"

	"github.com/MrWong99/waypoint/internal/tool"
)

type fakeLocator map[tool.Location]string

func (f fakeLocator) GetTimezoneName(lng, lat float64) string {
	return f[tool.Location{Lat: lat, Lng: lng}]
}

func TestResolver_Tiers(t *testing.T) {
	t.Parallel()

	paris := tool.Location{Lat: 48.8566, Lng: 2.3522}
	ocean := tool.Location{Lat: 0, Lng: -140}
	r := NewResolver(fakeLocator{paris: "Europe/Paris", ocean: ""})

	tests := []struct {
		name       string
		zone       string
		loc        *tool.Location
		wantName   string
		wantMethod Method
	}{
		{"explicit wins over coordinates", "Australia/Sydney", &paris, "Australia/Sydney", MethodExplicit},
		{"invalid zone falls to coordinates", "Mars/Olympus", &paris, "Europe/Paris", MethodCoordinates},
		{"coordinates only", "", &paris, "Europe/Paris", MethodCoordinates},
		{"unknown point falls back", "", &ocean, "UTC", MethodFallback},
		{"out of range coordinate", "", &tool.Location{Lat: 91, Lng: 0}, "UTC", MethodFallback},
		{"NaN coordinate", "", &tool.Location{Lat: math.NaN(), Lng: 0}, "UTC", MethodFallback},
		{"nothing supplied", "", nil, "UTC", MethodFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.zone, tt.loc)
			if got.Name() != tt.wantName || got.Method != tt.wantMethod {
				t.Errorf("Resolve() = %s/%s, want %s/%s", got.Name(), got.Method, tt.wantName, tt.wantMethod)
			}
		})
	}
}

func TestResolver_NoLocator(t *testing.T) {
	t.Parallel()

	got := NewResolver(nil).Resolve("", &tool.Location{Lat: 48.8566, Lng: 2.3522})
	if got.Method != MethodFallback {
		t.Errorf("Method = %s, want %s", got.Method, MethodFallback)
	}
}

func TestConversationContext_KeepsExplicitZoneOnLocationUpdate(t *testing.T) {
	t.Parallel()

	paris := tool.Location{Lat: 48.8566, Lng: 2.3522}
	r := NewResolver(fakeLocator{paris: "Europe/Paris"})
	cc := ConversationContext{Zone: utcZone}

	cc.apply(ClientContext{Timezone: "Asia/Tokyo"}, r)
	cc.apply(ClientContext{Location: &paris}, r)
	if cc.Zone.Name() != "Asia/Tokyo" {
		t.Errorf("zone = %s, want Asia/Tokyo", cc.Zone.Name())
	}

	cc = ConversationContext{Zone: utcZone}
	cc.apply(ClientContext{Location: &paris, Locale: "fr-FR"}, r)
	if cc.Zone.Name() != "Europe/Paris" || cc.Locale != "fr-FR" {
		t.Errorf("context = %s/%s, want Europe/Paris/fr-FR", cc.Zone.Name(), cc.Locale)
	}
}

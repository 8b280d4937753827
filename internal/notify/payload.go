package notify

import (
	"encoding/json"

	"github.com/samber/lo"
)

// ZoneCount is one zone inside a location payload
type ZoneCount struct {
	ZoneName string `json:"zoneName"`
	Total    int    `json:"total"`
}

// LocationCount is one element of the notification payload
type LocationCount struct {
	LocationName string      `json:"locationName"`
	Total        int         `json:"total"`
	Zones        []ZoneCount `json:"zones"`
}

// CountSource provides the current aggregated counts
type CountSource interface {
	LocationBreakdown() []LocationCount
}

// CountSourceFunc adapts a function to CountSource
type CountSourceFunc func() []LocationCount

func (f CountSourceFunc) LocationBreakdown() []LocationCount { return f() }

// BuildPayload serializes counts as a JSON array. Nil slices are encoded as empty arrays.
func BuildPayload(counts []LocationCount) ([]byte, error) {
	out := lo.Map(counts, func(l LocationCount, _ int) LocationCount {
		if l.Zones == nil {
			l.Zones = []ZoneCount{}
		}
		return l
	})
	return json.Marshal(out)
}

package allocation

import (
	"fmt"
	"strings"
)

// InventoryCounts is the number of units to create per type.
type InventoryCounts map[ResourceType]int

// DefaultCounts mirrors the hospital's standing inventory.
func DefaultCounts() InventoryCounts {
	return InventoryCounts{
		Wheelchair: 50,
		Bed:        50,
		Room:       5,
		Ambulance:  10,
		Nurse:      20,
		Doctor:     10,
	}
}

// DefaultInventory builds available units grouped by type in ResourceTypes
// order, with ids like "bed12" and labels like "Bed 12".
func DefaultInventory(counts InventoryCounts) ([]ResourceUnit, error) {
	var units []ResourceUnit
	for _, t := range ResourceTypes {
		n := counts[t]
		if n < 0 {
			return nil, fmt.Errorf("%w: negative count %d for %s", ErrInvalidRequest, n, t)
		}
		for i := 1; i <= n; i++ {
			units = append(units, ResourceUnit{
				ID:     fmt.Sprintf("%s%d", strings.ToLower(string(t)), i),
				Label:  fmt.Sprintf("%s %d", t, i),
				Type:   t,
				Status: UnitAvailable,
			})
		}
	}
	for t := range counts {
		if !t.valid() {
			return nil, fmt.Errorf("%w: unknown resource type %q", ErrInvalidRequest, t)
		}
	}
	return units, nil
}

package store

import "github.com/alfieprojectsdev/washboard-sub001/internal/models"

var transitionMap = map[string][]string{
	"start":    {models.StatusQueued},
	"complete": {models.StatusInService},
	"cancel":   {models.StatusQueued, models.StatusInService},
	"reorder":  {models.StatusQueued},
}

// ValidTransition reports whether action may be applied to a booking
// currently in fromStatus. done and cancelled are terminal: no action
// accepts them, so terminal rows can never mutate again.
func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

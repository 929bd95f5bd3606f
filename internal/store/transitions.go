package store

import "qms/branch-queue/internal/models"

const (
	ActionCall     = "call"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
)

var transitionMap = map[string][]string{
	ActionCall:     {models.StatusWaiting},
	ActionComplete: {models.StatusCalled},
	ActionCancel:   {models.StatusWaiting, models.StatusCalled},
}

var targetStatus = map[string]string{
	ActionCall:     models.StatusCalled,
	ActionComplete: models.StatusCompleted,
	ActionCancel:   models.StatusCancelled,
}

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

func TargetStatus(action string) string {
	return targetStatus[action]
}

package scheduler

import (
	"sort"

	"qms/branch-queue/internal/models"
)

// Less reports whether a is served before b: priority tier descending, then
// generated_at ascending, then token_id.
func Less(a, b models.Token) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.GeneratedAt.Equal(b.GeneratedAt) {
		return a.GeneratedAt.Before(b.GeneratedAt)
	}
	return a.TokenID < b.TokenID
}

func Order(tokens []models.Token) []models.Token {
	ordered := make([]models.Token, len(tokens))
	copy(ordered, tokens)
	sort.SliceStable(ordered, func(i, j int) bool { return Less(ordered[i], ordered[j]) })
	return ordered
}

// Select returns the waiting token the counter should call next.
func Select(waiting []models.Token, counter models.Counter) (models.Token, bool) {
	var head models.Token
	found := false
	for _, token := range waiting {
		if token.Status != models.StatusWaiting || !counter.Handles(token.ServiceType) {
			continue
		}
		if !found || Less(token, head) {
			head = token
			found = true
		}
	}
	return head, found
}

// Estimates maps each waiting token to (tokens ahead in its service type) x average duration.
func Estimates(waiting []models.Token, average func(serviceType string) int) map[string]int {
	byService := make(map[string][]models.Token)
	for _, token := range waiting {
		if token.Status != models.StatusWaiting {
			continue
		}
		byService[token.ServiceType] = append(byService[token.ServiceType], token)
	}

	estimates := make(map[string]int, len(waiting))
	for serviceType, tokens := range byService {
		seconds := average(serviceType)
		for ahead, token := range Order(tokens) {
			estimates[token.TokenID] = ahead * seconds
		}
	}
	return estimates
}

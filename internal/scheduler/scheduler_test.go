package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"qms/branch-queue/internal/models"
)

var base = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func waitingToken(id, service string, priority models.Priority, offset time.Duration) models.Token {
	return models.Token{
		TokenID:     id,
		ServiceType: service,
		Priority:    priority,
		Status:      models.StatusWaiting,
		GeneratedAt: base.Add(offset),
	}
}

func TestSelectPriorityBeatsArrival(t *testing.T) {
	waiting := []models.Token{
		waitingToken("t2", "withdrawal", models.PriorityStandard, 0),
		waitingToken("t1", "withdrawal", models.PrioritySenior, time.Minute),
	}
	counter := models.Counter{CounterNumber: 1, ServiceTypes: []string{"withdrawal"}}

	head, ok := Select(waiting, counter)
	assert.True(t, ok)
	assert.Equal(t, "t1", head.TokenID)
}

func TestSelectFiltersByCounterCapability(t *testing.T) {
	waiting := []models.Token{
		waitingToken("vip", "loan_application", models.PriorityVIP, 0),
		waitingToken("std", "withdrawal", models.PriorityStandard, time.Minute),
	}
	counter := models.Counter{ServiceTypes: []string{"withdrawal", "cash_deposit"}}

	head, ok := Select(waiting, counter)
	assert.True(t, ok)
	assert.Equal(t, "std", head.TokenID)

	_, ok = Select(waiting, models.Counter{ServiceTypes: []string{"meet_gm"}})
	assert.False(t, ok)

	_, ok = Select(nil, counter)
	assert.False(t, ok)
}

func TestSelectIsDeterministic(t *testing.T) {
	waiting := []models.Token{
		waitingToken("c", "withdrawal", models.PriorityStandard, 0),
		waitingToken("a", "withdrawal", models.PriorityStandard, 0),
		waitingToken("b", "withdrawal", models.PriorityStandard, 0),
	}
	counter := models.Counter{ServiceTypes: []string{"withdrawal"}}

	for i := 0; i < 20; i++ {
		shuffled := []models.Token{waiting[i%3], waiting[(i+1)%3], waiting[(i+2)%3]}
		head, ok := Select(shuffled, counter)
		assert.True(t, ok)
		assert.Equal(t, "a", head.TokenID)
	}
}

func TestSelectSkipsNonWaiting(t *testing.T) {
	called := waitingToken("called", "withdrawal", models.PriorityVIP, 0)
	called.Status = models.StatusCalled
	waiting := []models.Token{called, waitingToken("next", "withdrawal", models.PriorityStandard, time.Minute)}

	head, ok := Select(waiting, models.Counter{ServiceTypes: []string{"withdrawal"}})
	assert.True(t, ok)
	assert.Equal(t, "next", head.TokenID)
}

func TestOrder(t *testing.T) {
	tokens := []models.Token{
		waitingToken("late", "withdrawal", models.PriorityStandard, 2*time.Minute),
		waitingToken("vip", "withdrawal", models.PriorityVIP, 3*time.Minute),
		waitingToken("early", "withdrawal", models.PriorityStandard, 0),
		waitingToken("senior", "withdrawal", models.PrioritySenior, time.Minute),
	}
	ordered := Order(tokens)
	ids := make([]string, len(ordered))
	for i, token := range ordered {
		ids[i] = token.TokenID
	}
	assert.Equal(t, []string{"vip", "senior", "early", "late"}, ids)
	assert.Equal(t, "late", tokens[0].TokenID)
}

func TestEstimates(t *testing.T) {
	waiting := []models.Token{
		waitingToken("w1", "withdrawal", models.PriorityStandard, 0),
		waitingToken("w2", "withdrawal", models.PriorityStandard, time.Minute),
		waitingToken("w3", "withdrawal", models.PrioritySenior, 2*time.Minute),
		waitingToken("d1", "cash_deposit", models.PriorityStandard, 0),
	}
	average := func(serviceType string) int {
		if serviceType == "withdrawal" {
			return 120
		}
		return 60
	}

	estimates := Estimates(waiting, average)
	assert.Equal(t, map[string]int{"w3": 0, "w1": 120, "w2": 240, "d1": 0}, estimates)
}

func TestEstimateNonIncreasingAsTokensAheadLeave(t *testing.T) {
	waiting := []models.Token{
		waitingToken("a", "withdrawal", models.PriorityVIP, 0),
		waitingToken("b", "withdrawal", models.PrioritySenior, 0),
		waitingToken("c", "withdrawal", models.PriorityStandard, 0),
		waitingToken("target", "withdrawal", models.PriorityStandard, time.Minute),
	}
	average := func(string) int { return 300 }

	previous := Estimates(waiting, average)["target"]
	for len(waiting) > 1 {
		waiting = waiting[1:]
		current := Estimates(waiting, average)["target"]
		assert.LessOrEqual(t, current, previous)
		previous = current
	}
	assert.Equal(t, 0, previous)
}

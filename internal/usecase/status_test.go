package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/timekeeper/internal/domain"
)

func TestStatusReport_PerUserPerGroup(t *testing.T) {
	store := newFakeStore()
	games := store.addGroup(domain.ProgramGroup{
		Name:  "games",
		Limit: &domain.Limit{DailyMinutes: 90},
	})
	tools := store.addGroup(domain.ProgramGroup{Name: "tools"})
	minecraft := store.addProgram("Minecraft", games.ID)
	store.addProgram("Editor", tools.ID)

	asOf := time.Date(2024, 1, 17, 12, 0, 0, 0, time.Local)
	store.addClosedSession(minecraft.ID, "desktop", "kid",
		asOf.Add(-1*time.Hour), asOf.Add(-30*time.Minute))
	store.addClosedSession(minecraft.ID, "desktop", "sibling",
		asOf.Add(-2*time.Hour), asOf.Add(-110*time.Minute))

	reporter := NewStatusReporter(store, NewQuotaAggregator(store, zap.NewNop()), zap.NewNop())
	report, err := reporter.Report(context.Background(), asOf)

	require.NoError(t, err)
	require.Len(t, report, 2)

	kid := report["kid"]
	require.Len(t, kid, 2)
	byGroup := map[string]domain.GroupStatus{}
	for _, s := range kid {
		byGroup[s.Group] = s
	}
	assert.Equal(t, 30.0, byGroup["games"].MinutesUsedToday)
	assert.Equal(t, 60, byGroup["games"].MinutesRemainingToday)
	assert.Equal(t, domain.MinutesUnlimited, byGroup["tools"].MinutesRemainingToday)

	sibling := map[string]domain.GroupStatus{}
	for _, s := range report["sibling"] {
		sibling[s.Group] = s
	}
	assert.Equal(t, 10.0, sibling["games"].MinutesUsedToday)
	assert.Equal(t, 80, sibling["games"].MinutesRemainingToday)
}

func TestStatusReport_NoSessionsNoUsers(t *testing.T) {
	store := newFakeStore()
	store.addGroup(domain.ProgramGroup{Name: "games", Limit: &domain.Limit{DailyMinutes: 90}})

	reporter := NewStatusReporter(store, NewQuotaAggregator(store, zap.NewNop()), zap.NewNop())
	report, err := reporter.Report(context.Background(), time.Now())

	require.NoError(t, err)
	assert.Empty(t, report)
}

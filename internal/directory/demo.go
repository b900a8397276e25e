package directory

import (
	"context"

	"studybuddy/pkg/types"
)

// demoLearners are the fixtures loaded when demo mode is on.
var demoLearners = []types.LearnerProfile{
	{ID: "demo-linh", DisplayName: "Linh", Level: "B1", Online: true, Streak: 12, XP: 2400},
	{ID: "demo-marco", DisplayName: "Marco", Level: "B2", Online: true, Streak: 5, XP: 1800},
	{ID: "demo-aiko", DisplayName: "Aiko", Level: "A2", Online: true, Streak: 30, XP: 5200},
	{ID: "demo-sofia", DisplayName: "Sofia", Level: "C1", Online: true, Streak: 2, XP: 900},
	{ID: "demo-omar", DisplayName: "Omar", Level: "B1", Online: false, Streak: 0, XP: 300},
}

// SeedDemo stores the demo fixtures and returns how many were written.
func (d *Directory) SeedDemo(ctx context.Context) (int, error) {
	profiles := make([]*types.LearnerProfile, len(demoLearners))
	for i := range demoLearners {
		p := demoLearners[i]
		profiles[i] = &p
	}
	d.logger.Warn("Demo mode enabled, seeding fixture learners", "count", len(profiles))
	return d.Import(ctx, profiles)
}

package directory

import (
	"context"
	"errors"
	"sort"
	"testing"

	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

type mockStore struct {
	learners map[string]types.LearnerProfile
	gets     int
	filters  []interfaces.LearnerFilter
	err      error
}

func newMockStore() *mockStore {
	return &mockStore{learners: make(map[string]types.LearnerProfile)}
}

func (m *mockStore) UpsertLearner(ctx context.Context, p *types.LearnerProfile) error {
	if m.err != nil {
		return m.err
	}
	m.learners[p.ID] = *p
	return nil
}

func (m *mockStore) SetPresence(ctx context.Context, id string, online bool) error {
	p, ok := m.learners[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	p.Online = online
	m.learners[id] = p
	return nil
}

func (m *mockStore) GetLearner(ctx context.Context, id string) (*types.LearnerProfile, error) {
	m.gets++
	p, ok := m.learners[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &p, nil
}

func (m *mockStore) FindLearners(ctx context.Context, f interfaces.LearnerFilter) ([]*types.LearnerProfile, error) {
	m.filters = append(m.filters, f)
	excluded := map[string]bool{}
	for _, id := range f.ExcludeIDs {
		excluded[id] = true
	}
	var out []*types.LearnerProfile
	for _, p := range m.learners {
		p := p
		if !p.Online || excluded[p.ID] || (f.Level != "" && p.Level != f.Level) {
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].XP > out[j].XP })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func newTestDirectory(t *testing.T) (*Directory, *mockStore) {
	t.Helper()
	store := newMockStore()
	d, err := New(store, 16, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d, store
}

func TestDirectory_ProfileSourceCompliance(t *testing.T) {
	var _ interfaces.ProfileSource = (*Directory)(nil)
}

func TestDirectory_GetUsesCache(t *testing.T) {
	d, store := newTestDirectory(t)
	ctx := context.Background()
	store.learners["amy"] = types.LearnerProfile{ID: "amy", DisplayName: "Amy"}

	for i := 0; i < 3; i++ {
		p, err := d.Get(ctx, "amy")
		if err != nil || p.DisplayName != "Amy" {
			t.Fatalf("Get = %+v, %v", p, err)
		}
	}
	if store.gets != 1 {
		t.Errorf("expected one store read, got %d", store.gets)
	}

	if _, err := d.Get(ctx, "nobody"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDirectory_UpsertValidatesAndCaches(t *testing.T) {
	d, store := newTestDirectory(t)
	ctx := context.Background()

	if err := d.Upsert(ctx, &types.LearnerProfile{ID: "bad id"}); !errors.Is(err, types.ErrInvalidUserID) {
		t.Errorf("expected ErrInvalidUserID, got %v", err)
	}
	if err := d.Upsert(ctx, &types.LearnerProfile{ID: "amy", Level: "X1"}); !errors.Is(err, types.ErrInvalidLevel) {
		t.Errorf("expected ErrInvalidLevel, got %v", err)
	}

	if err := d.Upsert(ctx, &types.LearnerProfile{ID: "amy", Level: "b2", Online: true}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if store.learners["amy"].Level != "B2" {
		t.Errorf("level should be normalised before storing")
	}
	if _, err := d.Get(ctx, "amy"); err != nil || store.gets != 0 {
		t.Errorf("upserted profile should be served from cache (gets=%d, err=%v)", store.gets, err)
	}

	store.err = errors.New("store down")
	if err := d.Upsert(ctx, &types.LearnerProfile{ID: "bob"}); err == nil {
		t.Error("expected store error")
	}
}

func TestDirectory_SetPresenceInvalidatesCache(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	_ = d.Upsert(ctx, &types.LearnerProfile{ID: "amy", Online: true})

	if err := d.SetPresence(ctx, "amy", false); err != nil {
		t.Fatalf("SetPresence failed: %v", err)
	}
	p, _ := d.Get(ctx, "amy")
	if p.Online {
		t.Error("cached profile should be refreshed after presence change")
	}
	if err := d.SetPresence(ctx, "ghost", true); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDirectory_FindExcludesRequesterAndBusy(t *testing.T) {
	d, store := newTestDirectory(t)
	ctx := context.Background()
	for _, p := range []types.LearnerProfile{
		{ID: "me", Level: "B1", Online: true, XP: 10},
		{ID: "busy", Level: "B1", Online: true, XP: 50},
		{ID: "free", Level: "B1", Online: true, XP: 30},
		{ID: "offline", Level: "B1", Online: false, XP: 90},
		{ID: "other", Level: "A2", Online: true, XP: 70},
	} {
		store.learners[p.ID] = p
	}

	found, err := d.Find(ctx, "me", "b1", 0, []string{"busy"})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != "free" {
		t.Errorf("expected [free], got %+v", found)
	}

	last := store.filters[len(store.filters)-1]
	if last.Level != "B1" || last.Limit != DefaultLimit {
		t.Errorf("unexpected filter %+v", last)
	}

	_, _ = d.Find(ctx, "me", "", 1000, nil)
	if last = store.filters[len(store.filters)-1]; last.Limit != MaxLimit {
		t.Errorf("limit should be capped at %d, got %d", MaxLimit, last.Limit)
	}

	if _, err := d.Find(ctx, "", "", 0, nil); !errors.Is(err, types.ErrInvalidUserID) {
		t.Errorf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := d.Find(ctx, "me", "Q7", 0, nil); !errors.Is(err, types.ErrInvalidLevel) {
		t.Errorf("expected ErrInvalidLevel, got %v", err)
	}
}

func TestDirectory_SeedDemo(t *testing.T) {
	d, store := newTestDirectory(t)

	n, err := d.SeedDemo(context.Background())
	if err != nil {
		t.Fatalf("SeedDemo failed: %v", err)
	}
	if n != len(demoLearners) || len(store.learners) != len(demoLearners) {
		t.Errorf("expected %d demo learners, stored %d", len(demoLearners), len(store.learners))
	}
}

func TestDirectory_ImportStopsAtFirstFailure(t *testing.T) {
	d, _ := newTestDirectory(t)

	n, err := d.Import(context.Background(), []*types.LearnerProfile{
		{ID: "ok1"},
		{ID: "not ok"},
		{ID: "ok2"},
	})
	if err == nil || n != 1 {
		t.Errorf("expected failure after 1 import, got n=%d err=%v", n, err)
	}
}

package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakySource fails on demand so the cadence rules can be exercised.
type flakySource struct {
	records []Record
	fail    bool
	loads   int
}

func (f *flakySource) Load(ctx context.Context) ([]Record, error) {
	f.loads++
	if f.fail {
		return nil, errors.New("directory unreachable")
	}
	return f.records, nil
}

func directory() []Record {
	return []Record{
		{UserID: "emp001", Name: "Li Lei"},
		{UserID: "exp001", Name: "Zhang Wei", IsExpert: true, ExpertDomains: []string{"hr", "onboarding"}},
		{UserID: "exp002", Name: "Wang Fang", IsExpert: true, ExpertDomains: []string{"HR "}},
	}
}

func TestServiceLookups(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewStaticSource(directory()...), 0, 0, nil)
	require.NoError(t, svc.Refresh(ctx))

	t.Run("lookup known user", func(t *testing.T) {
		r, ok := svc.Lookup("emp001")
		require.True(t, ok)
		assert.Equal(t, "Li Lei", r.Name)
		assert.False(t, r.IsExpert)
	})

	t.Run("display name falls back to the id", func(t *testing.T) {
		assert.Equal(t, "Li Lei", svc.DisplayName("emp001"))
		assert.Equal(t, "emp999", svc.DisplayName("emp999"))
	})

	t.Run("expert flag", func(t *testing.T) {
		assert.True(t, svc.IsExpert("exp001"))
		assert.False(t, svc.IsExpert("emp001"))
		assert.False(t, svc.IsExpert("emp999"))
	})

	t.Run("experts by domain are case-insensitive and stable", func(t *testing.T) {
		experts := svc.ExpertsFor("HR")
		require.Len(t, experts, 2)
		assert.Equal(t, "exp001", experts[0].UserID)
		assert.Equal(t, "exp002", experts[1].UserID)

		onboarding := svc.ExpertsFor("onboarding")
		require.Len(t, onboarding, 1)
		assert.Equal(t, "exp001", onboarding[0].UserID)

		assert.Empty(t, svc.ExpertsFor("finance"))
	})

	t.Run("count reflects the snapshot", func(t *testing.T) {
		assert.Equal(t, 3, svc.Count())
	})
}

func TestServiceRefreshCadence(t *testing.T) {
	ctx := context.Background()
	src := &flakySource{records: directory()}
	svc := NewService(src, 5*time.Minute, time.Minute, nil)

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	require.NoError(t, svc.Refresh(ctx))
	require.Equal(t, 1, src.loads)

	t.Run("within the interval the snapshot is reused", func(t *testing.T) {
		now = now.Add(time.Minute)
		require.NoError(t, svc.Refresh(ctx))
		assert.Equal(t, 1, src.loads)
	})

	t.Run("past the interval the source is re-read", func(t *testing.T) {
		now = now.Add(5 * time.Minute)
		require.NoError(t, svc.Refresh(ctx))
		assert.Equal(t, 2, src.loads)
	})

	t.Run("a failed refresh keeps the previous snapshot", func(t *testing.T) {
		src.fail = true
		now = now.Add(6 * time.Minute)
		err := svc.Refresh(ctx)
		require.Error(t, err)
		assert.Equal(t, 3, src.loads)

		r, ok := svc.Lookup("exp001")
		require.True(t, ok, "previous snapshot must keep serving")
		assert.Equal(t, "Zhang Wei", r.Name)
	})

	t.Run("failures back off for the grace window", func(t *testing.T) {
		now = now.Add(30 * time.Second)
		require.NoError(t, svc.Refresh(ctx), "inside the grace window no attempt is made")
		assert.Equal(t, 3, src.loads)

		src.fail = false
		now = now.Add(31 * time.Second)
		require.NoError(t, svc.Refresh(ctx))
		assert.Equal(t, 4, src.loads)
	})
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identities.yaml")
	doc := `users:
  - user_id: emp001
    name: Li Lei
  - user_id: exp001
    name: Zhang Wei
    is_expert: true
    expert_domains: [hr, onboarding]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	records, err := NewFileSource(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Li Lei", records[0].Name)
	assert.True(t, records[1].IsExpert)
	assert.Equal(t, []string{"hr", "onboarding"}, records[1].ExpertDomains)

	_, err = NewFileSource(filepath.Join(dir, "missing.yaml")).Load(context.Background())
	assert.Error(t, err)
}

func TestSplitDomains(t *testing.T) {
	assert.Nil(t, splitDomains(""))
	assert.Nil(t, splitDomains(" , "))
	assert.Equal(t, []string{"hr", "it"}, splitDomains("HR, it"))
	assert.Equal(t, []string{"finance"}, splitDomains("finance"))
}

package session

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	s := New("emp001", RoleUser, "how to request sick leave", now)

	require.NotEmpty(t, s.ID)
	assert.GreaterOrEqual(t, len(s.ID), 16, "session id needs at least 16 bytes of entropy")
	assert.Equal(t, "emp001", s.UserID)
	assert.Equal(t, RoleUser, s.Role)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, "how to request sick leave", s.Summary.OriginalQuestion)
	assert.EqualValues(t, 0, s.Summary.Version)
	assert.Equal(t, now, s.CreatedAt)
	assert.Equal(t, now, s.LastActiveAt)
	assert.Equal(t, now.Add(ActiveTTL), s.ExpiresAt)
	assert.Equal(t, "session_history:"+s.ID, s.FullContextKey)
	require.NoError(t, s.Validate())
}

func TestValidate(t *testing.T) {
	now := time.Now().UTC()

	t.Run("expert requires related user", func(t *testing.T) {
		s := New("exp001", RoleExpert, "q", now)
		assert.ErrorIs(t, s.Validate(), ErrRelatedUserRequired)

		s.RelatedUserID = "emp001"
		assert.NoError(t, s.Validate())
	})

	t.Run("timestamps must be ordered", func(t *testing.T) {
		s := New("emp001", RoleUser, "q", now)
		s.LastActiveAt = s.CreatedAt.Add(-time.Minute)
		assert.ErrorIs(t, s.Validate(), ErrTimestampOrder)

		s = New("emp001", RoleUser, "q", now)
		s.ExpiresAt = s.LastActiveAt.Add(-time.Minute)
		assert.ErrorIs(t, s.Validate(), ErrTimestampOrder)
	})
}

func TestTouchSlidesActiveTTL(t *testing.T) {
	created := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	s := New("emp001", RoleUser, "q", created)

	later := created.Add(3 * time.Hour)
	s.Touch(later)

	assert.Equal(t, later, s.LastActiveAt)
	assert.Equal(t, later.Add(ActiveTTL), s.ExpiresAt)
	assert.NoError(t, s.Validate())
}

func TestResolveTightensTTL(t *testing.T) {
	created := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	s := New("emp001", RoleUser, "q", created)

	resolvedAt := created.Add(30 * time.Minute)
	s.Resolve(resolvedAt)

	assert.Equal(t, StatusResolved, s.Status)
	assert.Equal(t, resolvedAt, s.ResolvedAt)
	assert.Equal(t, resolvedAt.Add(ResolvedTTL), s.ExpiresAt)
	assert.LessOrEqual(t, s.ExpiresAt.Sub(resolvedAt), 24*time.Hour)

	// Touching a resolved session keeps the fixed tail anchored at the
	// transition, it does not slide.
	s.Touch(resolvedAt.Add(2 * time.Hour))
	assert.Equal(t, resolvedAt.Add(ResolvedTTL), s.ExpiresAt)
}

func TestExpired(t *testing.T) {
	now := time.Now().UTC()
	s := New("emp001", RoleUser, "q", now)

	assert.False(t, s.Expired(now))
	assert.False(t, s.Expired(now.Add(ActiveTTL-time.Second)))
	assert.True(t, s.Expired(now.Add(ActiveTTL)))
	assert.True(t, s.Expired(now.Add(ActiveTTL+time.Hour)))
}

func TestMergeKeyPoints(t *testing.T) {
	t.Run("dedupes and preserves insertion order", func(t *testing.T) {
		var sum Summary
		sum.MergeKeyPoints([]string{"sick leave", "medical certificate"})
		sum.MergeKeyPoints([]string{"medical certificate", "1 day in advance"})

		assert.Equal(t, []string{"sick leave", "medical certificate", "1 day in advance"}, sum.KeyPoints)
	})

	t.Run("drops empty strings", func(t *testing.T) {
		var sum Summary
		sum.MergeKeyPoints([]string{"", "a", ""})
		assert.Equal(t, []string{"a"}, sum.KeyPoints)
	})

	t.Run("evicts oldest beyond cap", func(t *testing.T) {
		var sum Summary
		points := []string{"p00", "p01", "p02", "p03", "p04", "p05", "p06", "p07", "p08", "p09", "p10", "p11"}
		for _, p := range points {
			sum.MergeKeyPoints([]string{p})
		}

		require.Len(t, sum.KeyPoints, MaxKeyPoints)
		assert.Equal(t, points[len(points)-MaxKeyPoints:], sum.KeyPoints, "the retained points are the most recently inserted")
	})
}

func TestMergeKeyPointsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genPoints := gen.SliceOf(gen.RegexMatch(`[a-z]{1,6}`))

	properties.Property("never exceeds the cap", prop.ForAll(
		func(points []string) bool {
			var sum Summary
			sum.MergeKeyPoints(points)
			return len(sum.KeyPoints) <= MaxKeyPoints
		},
		genPoints,
	))

	properties.Property("no duplicates after merge", prop.ForAll(
		func(a, b []string) bool {
			var sum Summary
			sum.MergeKeyPoints(a)
			sum.MergeKeyPoints(b)
			seen := make(map[string]struct{}, len(sum.KeyPoints))
			for _, p := range sum.KeyPoints {
				if _, dup := seen[p]; dup {
					return false
				}
				seen[p] = struct{}{}
			}
			return true
		},
		genPoints,
		genPoints,
	))

	properties.Property("merged points are a suffix of the deduped insertion order", prop.ForAll(
		func(points []string) bool {
			var sum Summary
			sum.MergeKeyPoints(points)

			var deduped []string
			seen := make(map[string]struct{})
			for _, p := range points {
				if p == "" {
					continue
				}
				if _, dup := seen[p]; dup {
					continue
				}
				deduped = append(deduped, p)
				seen[p] = struct{}{}
			}
			if len(deduped) > MaxKeyPoints {
				deduped = deduped[len(deduped)-MaxKeyPoints:]
			}
			if len(deduped) != len(sum.KeyPoints) {
				return false
			}
			for i := range deduped {
				if deduped[i] != sum.KeyPoints[i] {
					return false
				}
			}
			return true
		},
		genPoints,
	))

	properties.TestingRun(t)
}

func TestNewSnapshotTruncates(t *testing.T) {
	now := time.Now().UTC()
	long := strings.Repeat("x", 500)

	snap := NewSnapshot(long, SnapshotRoleAgent, now)

	assert.Equal(t, SnapshotRoleAgent, snap.Role)
	assert.LessOrEqual(t, len([]rune(snap.Content)), SnapshotMaxLen+1) // marker rune included
	assert.True(t, strings.HasSuffix(snap.Content, "…"))

	short := NewSnapshot("fine", SnapshotRoleUser, now)
	assert.Equal(t, "fine", short.Content)
}

func TestClone(t *testing.T) {
	now := time.Now().UTC()
	s := New("emp001", RoleUser, "q", now)
	s.Summary.MergeKeyPoints([]string{"a", "b"})
	snap := NewSnapshot("hello", SnapshotRoleUser, now)
	s.Summary.RecordExchange(snap)
	s.Tags = []string{"hr"}

	cp := s.Clone()
	cp.Summary.KeyPoints[0] = "mutated"
	cp.Summary.LatestExchange.Content = "mutated"
	cp.Tags[0] = "mutated"

	assert.Equal(t, "a", s.Summary.KeyPoints[0])
	assert.Equal(t, "hello", s.Summary.LatestExchange.Content)
	assert.Equal(t, "hr", s.Tags[0])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab…", Truncate("abcd", 2))
	// Rune-aware, never splits multibyte characters.
	assert.Equal(t, "日本…", Truncate("日本語テキスト", 2))
}

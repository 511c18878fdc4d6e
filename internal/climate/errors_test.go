package climate

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKindThroughWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("admit: %w", Errorf(KindJobAlreadyRunning, "busy"))
	require.ErrorIs(t, err, ErrJobAlreadyRunning)
	require.NotErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, KindJobAlreadyRunning, KindOf(err))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestCategories(t *testing.T) {
	t.Parallel()

	cases := map[Kind]Category{
		KindUnsupportedFormat:     CategoryInput,
		KindUploadTooLarge:        CategoryInput,
		KindInvalidRequest:        CategoryInput,
		KindOutsideCoverage:       CategoryInput,
		KindRateLimited:           CategoryAdmission,
		KindInsufficientDiskSpace: CategoryAdmission,
		KindDownloadFailed:        CategoryAcquisition,
		KindDecodeFailed:          CategoryAcquisition,
		KindNotFound:              CategoryLookup,
		KindScannerUnavailable:    CategoryInternal,
		KindInternal:              CategoryInternal,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.Category(), kind)
	}
}

func TestPublicMessageHidesInternalCause(t *testing.T) {
	t.Parallel()

	internal := Wrap(KindInternal, errors.New("disk /var/secret failed"), "persist run")
	assert.Equal(t, "Internal server error.", PublicMessage(internal))
	assert.Equal(t, "Internal server error.", PublicMessage(errors.New("raw")))

	input := Errorf(KindTooManyVertices, "Too many vertices (%d > %d).", 12, 10)
	assert.Equal(t, "Too many vertices (12 > 10).", PublicMessage(input))
	assert.Equal(t, "Upload scanning is unavailable.", PublicMessage(ErrScannerUnavailable))
	assert.Equal(t, "Not found.", PublicMessage(ErrNotFound))
}

func TestParseLang(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LangEN, ParseLang("en-US"))
	assert.Equal(t, LangEN, ParseLang(" EN"))
	assert.Equal(t, LangDE, ParseLang(""))
	assert.Equal(t, LangDE, ParseLang("fr"))
}

func TestParameterCatalog(t *testing.T) {
	t.Parallel()

	params := Parameters()
	require.Len(t, params, 16)
	seen := map[string]bool{}
	for i, p := range params {
		require.False(t, seen[p.Key], "duplicate %s", p.Key)
		seen[p.Key] = true
		assert.Equal(t, i, ParameterOrder(p.Key))
		assert.NotEmpty(t, p.Reducers)
	}

	temp, ok := LookupParameter("air_temp_mean")
	require.True(t, ok)
	assert.InDelta(t, 0.1, temp.Scale, 1e-12)
	assert.False(t, temp.CountLike())
	assert.True(t, temp.Has(ReducerMax))

	frost, ok := LookupParameter("frost_days")
	require.True(t, ok)
	assert.True(t, frost.CountLike())
	assert.False(t, frost.Has(ReducerMin))

	_, ok = LookupParameter("phenology")
	assert.False(t, ok)
	assert.Equal(t, -1, ParameterOrder("phenology"))
}

func TestLeaseExpiry(t *testing.T) {
	t.Parallel()

	l := Lease{AcquiredAt: mustTime(t, "2024-01-01T00:00:00Z"), TTL: 2 * time.Hour}
	assert.False(t, l.Expired(mustTime(t, "2024-01-01T01:59:59Z")))
	assert.True(t, l.Expired(mustTime(t, "2024-01-01T02:00:00Z")))
}

func mustTime(t *testing.T, raw string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	return ts
}

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	syncerrors "github.com/opencivic/civic-sync/internal/errors"
	"github.com/opencivic/civic-sync/internal/identity"
	"github.com/opencivic/civic-sync/internal/remote"
	"github.com/opencivic/civic-sync/internal/settings"
	"github.com/opencivic/civic-sync/internal/store"
)

const testOwner = "owner-1"

// testNow is the fixed wall clock for cycle tests.
var testNow = time.Unix(1_700_000_000, 0)

type fixture struct {
	syncer   *Syncer
	store    *store.Store
	settings *settings.Manager
	remote   *MockRemoteClient
}

func newFixture(t *testing.T, ctrl *gomock.Controller) *fixture {
	t.Helper()

	s, err := store.OpenAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mgr, err := settings.NewManager(s, store.DefaultSettings(), slog.Default())
	require.NoError(t, err)

	mock := NewMockRemoteClient(ctrl)

	sy := New(s, mgr, mock, identity.Static(testOwner), slog.Default())
	sy.now = func() time.Time { return testNow }

	return &fixture{syncer: sy, store: s, settings: mgr, remote: mock}
}

func emptyResponse(serverTS string) *remote.SyncResponse {
	return &remote.SyncResponse{ServerTimestamp: serverTS}
}

// --- preconditions ---

func TestSync_Disabled_NoopWithoutNetworkCalls(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	require.NoError(t, f.settings.SetEnabled(false))

	// No EXPECT on the mock: any network call fails the test.
	out := f.syncer.Sync(context.Background())

	assert.Equal(t, StatusNoop, out.Status)
	assert.Equal(t, StateCheckEnabled, out.State)
	assert.Zero(t, f.settings.Get().LastSyncAt, "watermark must be untouched")
}

func TestSync_NoIdentity_Retryable(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)
	f.syncer.identity = identity.Static("")

	out := f.syncer.Sync(context.Background())

	assert.Equal(t, StatusRetry, out.Status)
	assert.Equal(t, StateAuthenticating, out.State)
	assert.ErrorIs(t, out.Err, syncerrors.ErrIdentityUnavailable)
}

// --- pulling ---

func TestSync_PullTransportFailure_Retryable(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	dnsErr := &remote.TransientError{Err: errors.New("lookup sync.example.org: no such host")}
	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).Return(nil, dnsErr)

	out := f.syncer.Sync(context.Background())

	assert.Equal(t, StatusRetry, out.Status)
	assert.Equal(t, StatePulling, out.State)
	assert.Zero(t, f.settings.Get().LastSyncAt, "watermark must be untouched after a failed pull")
}

func TestSync_PullRejection_Fatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).
		Return(nil, fmt.Errorf("%w: owner suspended", syncerrors.ErrServerRejected))

	out := f.syncer.Sync(context.Background())

	assert.Equal(t, StatusFatal, out.Status)
	assert.Equal(t, StatePulling, out.State)
}

func TestSync_SendsStoredWatermark(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	_, err := f.settings.AdvanceLastSync(0, 1_600_000_000)
	require.NoError(t, err)

	want := remote.FormatWireTime(1_600_000_000)
	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Eq(&want)).
		Return(emptyResponse(remote.FormatWireTime(1_600_000_100)), nil)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil)

	out := f.syncer.Sync(context.Background())
	assert.Equal(t, StatusSuccess, out.Status)
}

// --- merging ---

func TestSync_FirstSync_MergesPulledFavorite(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	resp := emptyResponse(remote.FormatWireTime(1_700_000_100))
	resp.Favorites = []remote.FavoriteDTO{{
		POIID:     "poi-1",
		Name:      "Town Hall",
		AddedAt:   remote.FormatWireTime(1_600_000_000),
		UpdatedAt: remote.FormatWireTime(1_650_000_000),
	}}

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).Return(resp, nil)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil)

	out := f.syncer.Sync(context.Background())
	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 1, out.Merged)

	favorites, err := f.store.AllFavorites()
	require.NoError(t, err)
	require.Len(t, favorites, 1)
	assert.Equal(t, "poi-1", favorites[0].POIID)
	assert.Equal(t, int64(1_600_000_000), favorites[0].AddedAt)

	assert.Equal(t, int64(1_700_000_100), f.settings.Get().LastSyncAt)
}

func TestSync_Tombstone_DeletesFavorite(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	require.NoError(t, f.store.PutFavorite(store.Favorite{POIID: "poi-1", Name: "doomed"}))

	resp := emptyResponse(remote.FormatWireTime(1_700_000_100))
	resp.Favorites = []remote.FavoriteDTO{{POIID: "poi-1", Deleted: true}}

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).Return(resp, nil)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil)

	out := f.syncer.Sync(context.Background())
	require.Equal(t, StatusSuccess, out.Status)

	favorites, err := f.store.AllFavorites()
	require.NoError(t, err)
	assert.Empty(t, favorites)
}

func TestSync_MergeIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	resp := emptyResponse(remote.FormatWireTime(1_700_000_100))
	resp.Favorites = []remote.FavoriteDTO{
		{POIID: "poi-1", Name: "Town Hall", AddedAt: remote.FormatWireTime(1_600_000_000), UpdatedAt: remote.FormatWireTime(1_600_000_000)},
		{POIID: "poi-2", Deleted: true},
	}
	resp.CachedPOIs = []remote.CachedPOIDTO{{POIID: "poi-3", Name: "Skate Park"}}
	resp.Searches = []remote.SearchEntryDTO{{ID: 4, Query: "pothole", SearchedAt: remote.FormatWireTime(1_600_000_000)}}

	_, _, err := f.syncer.merge(resp)
	require.NoError(t, err)

	firstFavorites, err := f.store.AllFavorites()
	require.NoError(t, err)
	firstPOIs, err := f.store.AllCachedPOIs()
	require.NoError(t, err)
	firstSearches, err := f.store.AllSearches()
	require.NoError(t, err)

	_, _, err = f.syncer.merge(resp)
	require.NoError(t, err)

	secondFavorites, err := f.store.AllFavorites()
	require.NoError(t, err)
	secondPOIs, err := f.store.AllCachedPOIs()
	require.NoError(t, err)
	secondSearches, err := f.store.AllSearches()
	require.NoError(t, err)

	assert.Equal(t, firstFavorites, secondFavorites)
	assert.Equal(t, firstPOIs, secondPOIs)
	assert.Equal(t, firstSearches, secondSearches)
}

func TestSync_MalformedTimestamp_FallsBackToNow(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	resp := emptyResponse(remote.FormatWireTime(1_700_000_100))
	resp.Favorites = []remote.FavoriteDTO{{POIID: "poi-1", AddedAt: "garbage", UpdatedAt: "garbage"}}

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).Return(resp, nil)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil)

	out := f.syncer.Sync(context.Background())
	require.Equal(t, StatusSuccess, out.Status)

	got, err := f.store.GetFavorite("poi-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testNow.Unix(), got.AddedAt, "bad timestamp falls back to local clock, not record loss")
}

func TestSync_MalformedRecord_SkippedNotFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	resp := emptyResponse(remote.FormatWireTime(1_700_000_100))
	resp.Favorites = []remote.FavoriteDTO{
		{POIID: "", Name: "keyless"},
		{POIID: "poi-2", Name: "fine", AddedAt: remote.FormatWireTime(1_600_000_000), UpdatedAt: remote.FormatWireTime(1_600_000_000)},
	}

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).Return(resp, nil)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil)

	out := f.syncer.Sync(context.Background())
	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 1, out.Skipped)
	assert.Equal(t, 1, out.Merged)
}

func TestSync_CachedPOI_RestampsCacheTime(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	resp := emptyResponse(remote.FormatWireTime(1_700_000_100))
	resp.CachedPOIs = []remote.CachedPOIDTO{{
		POIID:    "poi-7",
		CachedAt: remote.FormatWireTime(1_000_000_000), // ancient; must be ignored
	}}

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).Return(resp, nil)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil)

	out := f.syncer.Sync(context.Background())
	require.Equal(t, StatusSuccess, out.Status)

	got, err := f.store.GetCachedPOI("poi-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testNow.Unix(), got.CachedAt)
}

// --- pushing ---

func TestSync_PushFailure_CycleStillSucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	resp := emptyResponse(remote.FormatWireTime(1_700_000_100))
	resp.Favorites = []remote.FavoriteDTO{{POIID: "poi-1", Name: "kept"}}

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).Return(resp, nil)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).
		Return(&remote.TransientError{Err: errors.New("connection reset")})

	out := f.syncer.Sync(context.Background())

	assert.Equal(t, StatusSuccess, out.Status, "push failure must not fail the cycle")
	assert.Error(t, out.PushErr)

	// Merge retained, not rolled back.
	got, err := f.store.GetFavorite("poi-1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	// Watermark still advanced on successful pull.
	assert.Equal(t, int64(1_700_000_100), f.settings.Get().LastSyncAt)
}

func TestSync_PushCapsPOIsAndHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	for i := 0; i < 60; i++ {
		require.NoError(t, f.store.PutCachedPOI(store.CachedPOI{
			POIID:    fmt.Sprintf("poi-%d", i),
			CachedAt: int64(i),
		}))
	}

	for i := 0; i < 30; i++ {
		_, err := f.store.AppendSearch(store.SearchEntry{Query: fmt.Sprintf("q%d", i), SearchedAt: testNow.Unix()})
		require.NoError(t, err)
	}

	var pushed remote.SyncRequest

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).
		Return(emptyResponse(remote.FormatWireTime(1_700_000_100)), nil)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req remote.SyncRequest) error {
			pushed = req
			return nil
		})

	out := f.syncer.Sync(context.Background())
	require.Equal(t, StatusSuccess, out.Status)

	assert.LessOrEqual(t, len(pushed.CachedPOIs), 50)
	assert.LessOrEqual(t, len(pushed.Searches), 20)
	assert.Equal(t, testOwner, pushed.OwnerID)
	assert.NotEmpty(t, pushed.DeviceID)
}

// --- advancing ---

func TestSync_UnparsableServerTimestamp_FallsBackToClock(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).
		Return(emptyResponse("not-a-timestamp"), nil)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil)

	out := f.syncer.Sync(context.Background())
	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, testNow.Unix(), f.settings.Get().LastSyncAt)
}

func TestSync_WatermarkNeverMovesBackward(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	_, err := f.settings.AdvanceLastSync(0, 1_800_000_000)
	require.NoError(t, err)

	// Server answers with a timestamp older than the stored watermark
	// (clock skew). The advance must be discarded.
	wire := remote.FormatWireTime(1_800_000_000)
	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Eq(&wire)).
		Return(emptyResponse(remote.FormatWireTime(1_700_000_000)), nil)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil)

	out := f.syncer.Sync(context.Background())
	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, int64(1_800_000_000), f.settings.Get().LastSyncAt)
}

// --- concurrency & safety ---

func TestSync_ConcurrentCallsShareOneCycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	release := make(chan struct{})

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).
		DoAndReturn(func(context.Context, string, *string) (*remote.SyncResponse, error) {
			<-release
			return emptyResponse(remote.FormatWireTime(1_700_000_100)), nil
		}).Times(1)
	f.remote.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	var wg sync.WaitGroup

	outcomes := make([]Outcome, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.syncer.Sync(context.Background())
		}(i)
	}

	// Give both goroutines time to reach the single-flight gate.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, StatusSuccess, outcomes[0].Status)
	assert.Equal(t, StatusSuccess, outcomes[1].Status)
}

func TestSync_PanicMapsToFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, ctrl)

	f.remote.EXPECT().Pull(gomock.Any(), testOwner, gomock.Nil()).
		DoAndReturn(func(context.Context, string, *string) (*remote.SyncResponse, error) {
			panic("wire adapter bug")
		})

	out := f.syncer.Sync(context.Background())

	assert.Equal(t, StatusFatal, out.Status)
	assert.ErrorContains(t, out.Err, "wire adapter bug")
}

// --- outcome helpers ---

func TestOutcome_Retryable(t *testing.T) {
	assert.True(t, Outcome{Status: StatusRetry}.Retryable())
	assert.False(t, Outcome{Status: StatusFatal}.Retryable())
}

func TestOutcome_OK(t *testing.T) {
	assert.True(t, Outcome{Status: StatusSuccess}.OK())
	assert.True(t, Outcome{Status: StatusNoop}.OK())
	assert.False(t, Outcome{Status: StatusRetry}.OK())
	assert.False(t, Outcome{Status: StatusFatal}.OK())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "noop", StatusNoop.String())
	assert.Equal(t, "retry", StatusRetry.String())
	assert.Equal(t, "fatal", StatusFatal.String())
	assert.Equal(t, "unknown", Status(99).String())
}

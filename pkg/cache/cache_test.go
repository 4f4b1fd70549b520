package cache

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode is an in-memory NodeAPI with call counting.
type fakeNode struct {
	mfs      map[string]string            // mfs path -> cid
	local    map[string]bool              // cid -> present
	listings map[string]map[string]string // "cid:dir" -> lower -> actual
	files    map[string]bool              // gateway path -> exists

	resolveCalls int64
	headCalls    int64
	lsCalls      int64
}

func (f *fakeNode) ResolveMfsFolderToCid(ctx context.Context, p string) (string, error) {
	atomic.AddInt64(&f.resolveCalls, 1)
	cid, ok := f.mfs[p]
	if !ok {
		return "", &notFoundErr{}
	}
	return cid, nil
}

func (f *fakeNode) IsCidLocal(ctx context.Context, cid string) (bool, error) {
	return f.local[cid], nil
}

func (f *fakeNode) ListDir(ctx context.Context, cidOrPath string) (map[string]string, error) {
	atomic.AddInt64(&f.lsCalls, 1)
	key := strings.TrimPrefix(cidOrPath, "/ipfs/")
	if listing, ok := f.listings[key]; ok {
		return listing, nil
	}
	return nil, &notFoundErr{}
}

func (f *fakeNode) Head(ctx context.Context, gatewayPath string, fresh bool) (int, error) {
	atomic.AddInt64(&f.headCalls, 1)
	if f.files[gatewayPath] {
		return http.StatusOK, nil
	}
	return http.StatusNotFound, nil
}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "does not exist" }

func siteFixture() *fakeNode {
	return &fakeNode{
		mfs:   map[string]string{"/production/sites/example.com": "QmSite"},
		local: map[string]bool{"QmSite": true},
		listings: map[string]map[string]string{
			"QmSite":        {"index.html": "index.html", "assets": "Assets"},
			"QmSite/Assets": {"app.js": "App.js"},
		},
		files: map[string]bool{
			"/ipfs/QmSite/index.html":    true,
			"/ipfs/QmSite/Assets/App.js": true,
		},
	}
}

// TestResolveMfsFolderToCid tests caching and tag registration
func TestResolveMfsFolderToCid(t *testing.T) {
	node := siteFixture()
	c := New(node, time.Minute)
	ctx := context.Background()

	cid, err := c.ResolveMfsFolderToCid(ctx, "/production/sites/example.com")
	require.NoError(t, err)
	assert.Equal(t, "QmSite", cid)

	// Second call must come from cache.
	_, err = c.ResolveMfsFolderToCid(ctx, "/production/sites/example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&node.resolveCalls))

	// Invalidating the MFS tag forces a refetch.
	c.InvalidateMfs("/production/sites/example.com")
	_, err = c.ResolveMfsFolderToCid(ctx, "/production/sites/example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&node.resolveCalls))
}

// TestPathExistsAsIs tests the fast path for correctly-cased paths
func TestPathExistsAsIs(t *testing.T) {
	node := siteFixture()
	c := New(node, time.Minute)
	ctx := context.Background()

	ok, canonical, err := c.PathExists(ctx, "QmSite", "index.html")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "index.html", canonical)

	// No directory walk needed for an exact hit.
	assert.Equal(t, int64(0), atomic.LoadInt64(&node.lsCalls))
}

// TestPathExistsCaseInsensitive tests the segment walk fallback
func TestPathExistsCaseInsensitive(t *testing.T) {
	node := siteFixture()
	c := New(node, time.Minute)
	ctx := context.Background()

	ok, canonical, err := c.PathExists(ctx, "QmSite", "assets/app.js")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Assets/App.js", canonical)
}

// TestPathExistsNegativeCache tests that misses are cached too
func TestPathExistsNegativeCache(t *testing.T) {
	node := siteFixture()
	c := New(node, time.Minute)
	ctx := context.Background()

	ok, _, err := c.PathExists(ctx, "QmSite", "missing.png")
	require.NoError(t, err)
	assert.False(t, ok)

	headsAfterFirst := atomic.LoadInt64(&node.headCalls)
	ok, _, err = c.PathExists(ctx, "QmSite", "missing.png")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, headsAfterFirst, atomic.LoadInt64(&node.headCalls), "negative result should be served from cache")
}

// TestInvalidateCidExpiresAllEntries tests tag fan-out
func TestInvalidateCidExpiresAllEntries(t *testing.T) {
	node := siteFixture()
	c := New(node, time.Minute)
	ctx := context.Background()

	_, _, err := c.PathExists(ctx, "QmSite", "index.html")
	require.NoError(t, err)
	_, err = c.Ls(ctx, "QmSite", "")
	require.NoError(t, err)
	_, err = c.IsCidLocal(ctx, "QmSite")
	require.NoError(t, err)
	require.Greater(t, c.Len(), 0)

	c.InvalidateCid("QmSite")
	assert.Equal(t, 0, c.Len(), "every entry tagged with the cid must be gone")
}

// TestLsCaching tests listing reuse across calls
func TestLsCaching(t *testing.T) {
	node := siteFixture()
	c := New(node, time.Minute)
	ctx := context.Background()

	first, err := c.Ls(ctx, "QmSite", "")
	require.NoError(t, err)
	assert.Equal(t, "Assets", first["assets"])

	_, err = c.Ls(ctx, "QmSite", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&node.lsCalls))
}

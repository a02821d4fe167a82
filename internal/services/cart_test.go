package services

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitshopapp/fulfillment/internal/cache"
	"github.com/gitshopapp/fulfillment/internal/models"
)

func newTestCartStore(t *testing.T, mirror CartMirror, provider cache.Provider) *CartStore {
	t.Helper()
	return NewCartStore(CartStoreConfig{
		Products: newFakeCatalog(),
		Mirror:   mirror,
		Cache:    provider,
		TTL:      time.Hour,
		Retry:    testPolicy(),
		Currency: "USD",
	})
}

func TestAddLineMergesSameProduct(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestCartStore(t, nil, nil)

	_, err := store.AddLine(ctx, "c-1", "delter", 1)
	require.NoError(t, err)
	cart, err := store.AddLine(ctx, "c-1", "delter", 2)
	require.NoError(t, err)

	require.Len(t, cart.Lines, 1)
	assert.Equal(t, 3, cart.Lines[0].Quantity)
	assert.Equal(t, "DELTER-001", cart.Lines[0].SKU)
	assert.Equal(t, "USD", cart.Currency)
	assert.True(t, cart.Subtotal().Equal(decimal.NewFromInt(510)))
}

func TestCartLineErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestCartStore(t, nil, nil)

	_, err := store.AddLine(ctx, "c-1", "delter", 0)
	assert.ErrorIs(t, err, models.ErrInvalidQuantity)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = store.UpdateLine(ctx, "c-1", "missing", 2)
	assert.ErrorIs(t, err, models.ErrUnknownLine)

	_, err = store.RemoveLine(ctx, "c-1", "missing")
	assert.ErrorIs(t, err, models.ErrUnknownLine)

	_, err = store.AddLine(ctx, "c-1", "nope", 1)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = store.AddLine(ctx, "c-1", "pocket", 6)
	assert.ErrorIs(t, err, models.ErrOutOfStock)

	_, err = store.AddLine(ctx, "c-1", "delter", 1)
	require.NoError(t, err)
	_, err = store.AddLine(ctx, "c-1", "euro", 1)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMergedQuantityChecksStock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestCartStore(t, nil, nil)

	_, err := store.AddLine(ctx, "c-1", "pocket", 3)
	require.NoError(t, err)
	_, err = store.AddLine(ctx, "c-1", "pocket", 3)
	require.ErrorIs(t, err, models.ErrOutOfStock)

	cart, err := store.Snapshot(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 3, cart.Lines[0].Quantity, "failed mutation must leave the cart unchanged")
}

func TestUpdateLineToZeroRemoves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestCartStore(t, nil, nil)

	cart, err := store.AddLine(ctx, "c-1", "delter", 2)
	require.NoError(t, err)
	lineID := cart.Lines[0].LineID

	cart, err = store.UpdateLine(ctx, "c-1", lineID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, cart.Lines[0].Quantity)

	cart, err = store.UpdateLine(ctx, "c-1", lineID, 0)
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestCartStore(t, nil, nil)

	_, err := store.AddLine(ctx, "c-1", "delter", 1)
	require.NoError(t, err)

	snapshot, err := store.Snapshot(ctx, "c-1")
	require.NoError(t, err)
	snapshot.Lines[0].Quantity = 99

	again, err := store.Snapshot(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Lines[0].Quantity)
}

func TestSubtotalHoldsAfterRandomMutations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestCartStore(t, nil, nil)
	rng := rand.New(rand.NewPCG(1, 2))
	products := []string{"delter", "pocket"}

	for i := 0; i < 200; i++ {
		cart, err := store.Snapshot(ctx, "c-1")
		require.NoError(t, err)

		switch op := rng.IntN(3); {
		case op == 0 || cart.IsEmpty():
			_, _ = store.AddLine(ctx, "c-1", products[rng.IntN(len(products))], rng.IntN(3)+1)
		case op == 1:
			line := cart.Lines[rng.IntN(len(cart.Lines))]
			_, _ = store.UpdateLine(ctx, "c-1", line.LineID, rng.IntN(5)-1)
		default:
			line := cart.Lines[rng.IntN(len(cart.Lines))]
			_, err = store.RemoveLine(ctx, "c-1", line.LineID)
			require.NoError(t, err)
		}

		cart, err = store.Snapshot(ctx, "c-1")
		require.NoError(t, err)
		want := decimal.Zero
		seen := map[string]bool{}
		for _, line := range cart.Lines {
			require.Positive(t, line.Quantity)
			require.False(t, seen[line.ProductID], "product %s appears on two lines", line.ProductID)
			seen[line.ProductID] = true
			want = want.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
		require.True(t, want.Equal(cart.Subtotal()))
	}
}

func TestCartMirrorsAndRehydrates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider, err := cache.NewMemoryProvider(16)
	require.NoError(t, err)
	mirror := &fakeMirror{}

	store := newTestCartStore(t, mirror, provider)
	_, err = store.AddLine(ctx, "c-1", "delter", 2)
	require.NoError(t, err)
	_, err = store.AddLine(ctx, "c-1", "delter", 1)
	require.NoError(t, err)

	require.Len(t, mirror.calls, 2)
	assert.Equal(t, mirrorCall{cartID: "c-1", productID: "delter", quantity: 3}, mirror.calls[1])

	restarted := newTestCartStore(t, nil, provider)
	cart, err := restarted.Snapshot(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, 3, cart.Lines[0].Quantity)

	require.NoError(t, store.Clear(ctx, "c-1"))
	assert.Equal(t, []string{"c-1"}, mirror.cleared)
	_, err = provider.Get(ctx, cache.CartKey("c-1"))
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestMirrorFailureDoesNotFailMutation(t *testing.T) {
	t.Parallel()
	store := newTestCartStore(t, &fakeMirror{failing: true}, nil)

	cart, err := store.AddLine(context.Background(), "c-1", "delter", 1)
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 1)
}

func newRedisCartCache(t *testing.T) (*miniredis.Miniredis, cache.Provider) {
	t.Helper()
	srv := miniredis.RunT(t)
	provider, err := cache.NewRedisProvider("redis://" + srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	return srv, provider
}

func TestCartExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, provider := newRedisCartCache(t)
	store := newTestCartStore(t, nil, provider)

	_, err := store.AddLine(ctx, "c-1", "delter", 2)
	require.NoError(t, err)

	srv.FastForward(59 * time.Minute)
	cart, err := store.Snapshot(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1, "cart is live before its ttl")

	srv.FastForward(2 * time.Minute)
	cart, err = store.Snapshot(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty(), "an abandoned cart expires")
}

func TestCartStoresShareOneCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, provider := newRedisCartCache(t)
	first := newTestCartStore(t, nil, provider)
	second := newTestCartStore(t, nil, provider)

	_, err := first.Snapshot(ctx, "c-1")
	require.NoError(t, err)
	_, err = second.AddLine(ctx, "c-1", "delter", 2)
	require.NoError(t, err)

	cart, err := first.Snapshot(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1, "no instance serves a stale copy")
	assert.Equal(t, 2, cart.Lines[0].Quantity)
}

func TestCartStoreFailsWhenCacheIsDown(t *testing.T) {
	t.Parallel()
	srv, provider := newRedisCartCache(t)
	store := newTestCartStore(t, nil, provider)
	srv.Close()

	_, err := store.AddLine(context.Background(), "c-1", "delter", 1)
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
}

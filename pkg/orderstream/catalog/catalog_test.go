package catalog_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orderstream/pkg/orderstream/catalog"
	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	c := catalog.NewMemory(
		catalog.Product{ID: "p1", Name: "Keyboard", Code: "COD1", Price: 10.5},
		catalog.Product{ID: "p2", Name: "Mouse", Code: "COD2", Price: 4.5},
	)

	ok, err := c.Exists(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Fetch(ctx, "nope")
	assert.ErrorIs(t, err, oerrors.ErrNotFound)

	all, err := catalog.FetchAll(ctx, c, []string{"p2", "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"COD2", "COD1"}, []string{all[0].Code, all[1].Code})

	_, err = catalog.FetchAll(ctx, c, []string{"p1", "nope"})
	assert.ErrorIs(t, err, oerrors.ErrNotFound)

	require.NoError(t, c.Put(ctx, catalog.Product{ID: "p3", Code: "COD3"}))
	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestMemory_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	c := catalog.NewMemory(catalog.Product{ID: "p1", Name: "Keyboard", Code: "COD1", Price: 10.5})

	require.NoError(t, c.Update(ctx, catalog.Product{ID: "p1", Name: "Keyboard", Code: "COD1", Price: 12}))
	got, err := c.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, got.Price)

	assert.ErrorIs(t, c.Update(ctx, catalog.Product{ID: "nope"}), oerrors.ErrNotFound)

	require.NoError(t, c.Delete(ctx, "p1"))
	assert.ErrorIs(t, c.Delete(ctx, "p1"), oerrors.ErrNotFound)
	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestProductValidate(t *testing.T) {
	assert.NoError(t, catalog.Product{Name: "Desk", Code: "DSK", Price: 0}.Validate())

	var missing *oerrors.MissingParameterError
	require.ErrorAs(t, catalog.Product{Price: 1}.Validate(), &missing)
	assert.Equal(t, []string{"productName", "code"}, missing.Parameters)

	var invalid *oerrors.ValidationError
	require.ErrorAs(t, catalog.Product{Name: "Desk", Code: "DSK", Price: -1}.Validate(), &invalid)
	assert.Equal(t, "price", invalid.Field)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("ORDERSTREAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ORDERSTREAM_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	c := catalog.NewPostgres(pool)
	require.NoError(t, c.Migrate(ctx))
	require.NoError(t, c.Put(ctx, catalog.Product{ID: "pg-1", Name: "Desk", Code: "DSK", Price: 99.9}))

	got, err := c.Fetch(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, "DSK", got.Code)
	assert.InDelta(t, 99.9, got.Price, 0.001)

	_, err = c.Fetch(ctx, "pg-missing")
	assert.ErrorIs(t, err, oerrors.ErrNotFound)

	require.NoError(t, c.Update(ctx, catalog.Product{ID: "pg-1", Name: "Desk", Code: "DSK2", Price: 89.9}))
	assert.ErrorIs(t, c.Update(ctx, catalog.Product{ID: "pg-missing", Name: "x", Code: "y"}), oerrors.ErrNotFound)
	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, list, catalog.Product{ID: "pg-1", Name: "Desk", Code: "DSK2", Price: 89.9})

	require.NoError(t, c.Delete(ctx, "pg-1"))
	assert.ErrorIs(t, c.Delete(ctx, "pg-1"), oerrors.ErrNotFound)
}

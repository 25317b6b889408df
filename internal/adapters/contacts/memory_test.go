package contacts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/campaignflow/internal/engine"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

func TestMemoryStore_Mutations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(&domain.Contact{ID: "c-1", Email: "ana@example.com", Tags: []string{"lead"}})

	require.NoError(t, s.AddTag(ctx, "c-1", "vip"))
	require.NoError(t, s.AddTag(ctx, "c-1", "vip"))
	require.NoError(t, s.RemoveTag(ctx, "c-1", "lead"))
	require.NoError(t, s.AddToList(ctx, "c-1", "newsletter"))
	require.NoError(t, s.UpdateField(ctx, "c-1", "plan", "pro"))

	c, err := s.GetContact(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, c.Tags)
	assert.Equal(t, []string{"newsletter"}, c.Lists)
	assert.Equal(t, "pro", c.Fields["plan"])

	ok, err := s.HasTag(ctx, "c-1", "vip")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RemoveFromList(ctx, "c-1", "newsletter"))
	c, err = s.GetContact(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, c.Lists)
}

func TestMemoryStore_UnknownContact(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetContact(ctx, "ghost")
	assert.ErrorIs(t, err, engine.ErrContactNotFound)
	_, err = s.HasTag(ctx, "ghost", "vip")
	assert.ErrorIs(t, err, engine.ErrContactNotFound)
	assert.ErrorIs(t, s.AddTag(ctx, "ghost", "vip"), engine.ErrContactNotFound)
	assert.ErrorIs(t, s.UpdateField(ctx, "ghost", "plan", "pro"), engine.ErrContactNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	bought := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, &domain.Contact{ID: "c-1", Tags: []string{"lead"}, LastPurchaseAt: &bought}))

	c, err := s.GetContact(ctx, "c-1")
	require.NoError(t, err)
	c.Tags[0] = "changed"
	*c.LastPurchaseAt = bought.Add(time.Hour)

	again, err := s.GetContact(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lead"}, again.Tags)
	assert.Equal(t, bought, *again.LastPurchaseAt)
}

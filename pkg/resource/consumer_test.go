// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package resource_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rockychen-dpaw/data-harvester-backup/internal/testcontext"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/resource"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/teststore"
)

func TestConsumerRequiresFlat(t *testing.T) {
	grouped := resource.New(zaptest.NewLogger(t), teststore.New(), newCodec(t), "loggedpoint",
		resource.Options{Grouped: true})
	_, err := resource.NewConsumer(zaptest.NewLogger(t), grouped, "client1")
	require.Error(t, err)
}

func TestConsumerLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	blobs := teststore.New()
	storage := resource.New(log, blobs, newCodec(t), "report", resource.Options{})
	consumer, err := resource.NewConsumer(log, storage, "client1")
	require.NoError(t, err)

	// nothing published yet
	_, _, _, err = consumer.Status(ctx)
	require.True(t, resource.ErrNotFound.Has(err))

	_, err = storage.PushJSON(ctx, map[string]interface{}{"rows": float64(3)},
		resource.Meta{resource.KeyResourceID: "r1"}, nil)
	require.NoError(t, err)

	state, clientMeta, resourceMeta, err := consumer.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, resource.StateUntouched, state)
	require.Nil(t, clientMeta)
	require.Equal(t, "r1", resourceMeta.ID())

	var seen interface{}
	consumed, err := consumer.ConsumeJSON(ctx, func(meta resource.Meta, doc interface{}) error {
		seen = doc
		return nil
	})
	require.NoError(t, err)
	require.True(t, consumed)
	require.Equal(t, map[string]interface{}{"rows": float64(3)}, seen)
	require.True(t, blobs.Has("report/consumers/client1.json"))

	state, clientMeta, _, err = consumer.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, resource.StateUpToDate, state)
	require.Equal(t, "r1", clientMeta.ID())

	// up to date consumers do nothing
	consumed, err = consumer.ConsumeJSON(ctx, func(resource.Meta, interface{}) error {
		t.Fatal("callback must not run when up to date")
		return nil
	})
	require.NoError(t, err)
	require.False(t, consumed)

	// a newer publication moves the client behind
	time.Sleep(10 * time.Millisecond)
	_, err = storage.PushJSON(ctx, map[string]interface{}{"rows": float64(4)},
		resource.Meta{resource.KeyResourceID: "r2"}, nil)
	require.NoError(t, err)

	state, _, resourceMeta, err = consumer.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, resource.StateBehind, state)
	require.Equal(t, "r2", resourceMeta.ID())

	consumed, err = consumer.ConsumeJSON(ctx, func(meta resource.Meta, doc interface{}) error {
		require.Equal(t, "r2", meta.ID())
		return nil
	})
	require.NoError(t, err)
	require.True(t, consumed)
}

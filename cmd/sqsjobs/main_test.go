package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardbowden/sqsjobs"
	"github.com/richardbowden/sqsjobs/dedup"
	"github.com/richardbowden/sqsjobs/internal/config"
	"github.com/richardbowden/sqsjobs/internal/demojobs"
)

func TestBuildJob(t *testing.T) {
	reg := sqsjobs.NewRegistry()
	demojobs.Register(reg)
	serializer := sqsjobs.NewJSONSerializer(reg)

	job, err := buildJob(serializer, demojobs.TagTouch, `{"path":"/tmp/x"}`)
	require.NoError(t, err)
	assert.Equal(t, &demojobs.TouchFileJob{Path: "/tmp/x"}, job)

	_, err = buildJob(serializer, "nope", `{}`)
	assert.Error(t, err)

	_, err = buildJob(serializer, demojobs.TagTouch, `{not json`)
	assert.Error(t, err)

	_, err = buildJob(serializer, demojobs.TagTouch, `{"file":"/tmp/x"}`)
	assert.Error(t, err)
}

func TestOpenDedupStore(t *testing.T) {
	ctx := context.Background()

	store, err := openDedupStore(ctx, "none", config.Config{})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = openDedupStore(ctx, "memory", config.Config{})
	require.NoError(t, err)
	assert.IsType(t, &dedup.MemoryStore{}, store)

	_, err = openDedupStore(ctx, "cassandra", config.Config{})
	assert.Error(t, err)
}

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem() *PipelineItem {
	return NewPipelineItem("item-1", DiscoveryEvent{ChannelID: "UC1", VideoID: "v1", Path: PathPoll})
}

func TestPipelineItem_HappyPath(t *testing.T) {
	item := newItem()

	for _, to := range []State{StateFetching, StateFetched, StateSplitting, StateSplit, StatePublishing, StatePublished} {
		require.NoError(t, item.Transition(to, ""))
	}

	assert.Equal(t, StatePublished, item.State)
	assert.True(t, item.State.Terminal())
	assert.Len(t, item.History, 6)
}

func TestPipelineItem_RetryReturnsToFailedStage(t *testing.T) {
	item := newItem()
	require.NoError(t, item.Transition(StateFetching, ""))
	item.Attempts = 1

	require.NoError(t, item.Transition(StateRetrying, "timeout"))
	assert.Equal(t, StateFetching, item.Stage)

	err := item.Transition(StateSplitting, "")
	assert.Error(t, err)

	require.NoError(t, item.Transition(StateFetching, ""))
	assert.Equal(t, 1, item.Attempts, "attempts survive a retry")
}

func TestPipelineItem_IllegalTransition(t *testing.T) {
	item := newItem()
	assert.Error(t, item.Transition(StatePublishing, ""))
	assert.Equal(t, StateAdmitted, item.State)
}

func TestPipelineItem_Fail(t *testing.T) {
	item := newItem()
	require.NoError(t, item.Transition(StateFetching, ""))

	item.Fail(StateFetching, KindNotFound, "video removed")

	assert.Equal(t, StateFailed, item.State)
	assert.Equal(t, StateFetching, item.Stage)
	assert.Equal(t, KindNotFound, item.ErrorKind)
	assert.Equal(t, StateFailed, item.History[len(item.History)-1].To)
}

func TestMarker_Less(t *testing.T) {
	now := time.Now()
	a := Marker{PublishedAt: now, VideoID: "a"}
	b := Marker{PublishedAt: now, VideoID: "b"}
	c := Marker{PublishedAt: now.Add(time.Second), VideoID: "a"}

	assert.True(t, Marker{}.Less(a))
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, a.Less(a))
	assert.False(t, c.Less(a))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.MessageSent("direct")
	m.FeedOpened()
	m.FeedClosed()
	m.DecryptFailed()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessageSent("direct")
	m.MessageSent("direct")
	m.MessageSent("group")
	m.FeedOpened()
	m.FeedOpened()
	m.FeedClosed()
	m.RosterHealed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sends.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeFeeds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rosterHeals))

	n, err := testutil.GatherAndCount(reg, "chatsync_messages_sent_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

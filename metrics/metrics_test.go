package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ActionPerformed("CLIENT_SIGNED", "client", OutcomeOK)
	c.ActionPerformed("CLIENT_SIGNED", "client", OutcomeOK)
	c.ActionPerformed("CLIENT_SIGNED", "admin", OutcomeRejected)
	c.PersistObserved(12*time.Millisecond, OutcomeOK)
	c.PushReceived(true)
	c.PushReceived(false)
	c.PushReceived(false)
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.actions.WithLabelValues("CLIENT_SIGNED", "client", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actions.WithLabelValues("CLIENT_SIGNED", "admin", OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pushes.WithLabelValues("applied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.pushes.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessions))
	assert.Equal(t, 1, testutil.CollectAndCount(c.persist))
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

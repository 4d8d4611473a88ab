package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMustRegisterReusesExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := prometheus.CounterOpts{Namespace: Namespace, Name: "test_total", Help: "test"}

	first := MustRegister(reg, prometheus.NewCounter(opts))
	second := MustRegister(reg, prometheus.NewCounter(opts))
	second.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(first))
}

func TestMustRegisterNilRegistry(t *testing.T) {
	c := MustRegister[prometheus.Counter](nil, prometheus.NewCounter(prometheus.CounterOpts{Name: "x", Help: "x"}))
	c.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(c))
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	mfs, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

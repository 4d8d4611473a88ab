package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestGroupEvery(t *testing.T) {
	g := NewGroup(zaptest.NewLogger(t))
	var n int32
	h := g.Every("tick", 5*time.Millisecond, func() { atomic.AddInt32(&n, 1) })
	assert.NotNil(t, h)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&n) >= 3 }, time.Second, time.Millisecond)
	g.Stop()

	seen := atomic.LoadInt32(&n)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, atomic.LoadInt32(&n), "no runs after Stop")
	assert.Equal(t, 0, g.Len())
}

func TestGroupAfterCancel(t *testing.T) {
	g := NewGroup(nil)
	var fired int32
	h := g.After("once", 20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	h.Cancel()
	h.Cancel()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	done := make(chan struct{})
	go func() {
		g.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a canceled timer")
	}
}

func TestGroupAfterFires(t *testing.T) {
	g := NewGroup(nil)
	defer g.Stop()
	fired := make(chan struct{})
	g.After("once", time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Eventually(t, func() bool { return g.Len() == 0 }, time.Second, time.Millisecond)
}

func TestGroupIgnoresTasksAfterStop(t *testing.T) {
	g := NewGroup(nil)
	g.Stop()
	assert.Nil(t, g.Every("late", time.Millisecond, func() {}))
	assert.Nil(t, g.After("late", time.Millisecond, func() {}))
	assert.Nil(t, NewGroup(nil).Every("zero", 0, func() {}))
}

func TestGroupRecoversPanics(t *testing.T) {
	g := NewGroup(zaptest.NewLogger(t))
	defer g.Stop()
	var after int32
	g.After("boom", time.Millisecond, func() { panic("boom") })
	g.After("ok", 5*time.Millisecond, func() { atomic.StoreInt32(&after, 1) })
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&after) == 1 }, time.Second, time.Millisecond)
}

package mooncake

import "testing"

type countingObserver struct {
	reads, writes, retries, depths int
}

func (c *countingObserver) ObserveRead(uint64, uint64, bool)  { c.reads++ }
func (c *countingObserver) ObserveWrite(uint64, uint64, bool) { c.writes++ }
func (c *countingObserver) ObserveRetry()                     { c.retries++ }
func (c *countingObserver) ObserveQPDepth(uint32)             { c.depths++ }

func TestMultiObserverFansOutToEveryObserver(t *testing.T) {
	a := &countingObserver{}
	b := &countingObserver{}
	multi := NewMultiObserver(a, b)

	multi.ObserveRead(1024, 1000, true)
	multi.ObserveWrite(2048, 2000, true)
	multi.ObserveRetry()
	multi.ObserveQPDepth(4)

	for name, o := range map[string]*countingObserver{"a": a, "b": b} {
		if o.reads != 1 || o.writes != 1 || o.retries != 1 || o.depths != 1 {
			t.Errorf("observer %s: expected one call of each kind, got %+v", name, o)
		}
	}
}

func TestMultiObserverWithNoObserversIsHarmless(t *testing.T) {
	multi := NewMultiObserver()
	multi.ObserveRead(1, 1, true)
	multi.ObserveWrite(1, 1, true)
	multi.ObserveRetry()
	multi.ObserveQPDepth(1)
}

package tetherlib

import (
	"sync"
	"time"
)

var timers = &timerPool{}

// timerPool recycles deadline timers across futures.
type timerPool struct {
	sp sync.Pool
}

func (p *timerPool) acquire(d time.Duration) *time.Timer {
	v := p.sp.Get()
	if v == nil {
		return time.NewTimer(d)
	}
	t := v.(*time.Timer)
	t.Reset(d)
	return t
}

func (p *timerPool) release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	p.sp.Put(t)
}

package scheduler

import (
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/srg/blesync/internal/session"
)

// ResyncPolicy admits a device only once its resync interval has passed since the last
// successful synchronization. Devices that last delivered calibration data wait longer.
//
// Record must be registered as the scheduler OnReport hook and Admit as its admission hook.
type ResyncPolicy struct {
	Interval            time.Duration `default:"15m"`
	CalibrationInterval time.Duration `default:"1h"`
	// Now returns the wall clock; time.Now when nil.
	Now func() time.Time

	last *hashmap.Map[string, lastSync]
}

type lastSync struct {
	at          time.Time
	calibration bool
}

// NewResyncPolicy creates a policy; zero intervals fall back to their defaults.
func NewResyncPolicy(interval, calibrationInterval time.Duration) *ResyncPolicy {
	p := &ResyncPolicy{
		Interval:            interval,
		CalibrationInterval: calibrationInterval,
		Now:                 time.Now,
		last:                hashmap.New[string, lastSync](),
	}
	defaults.SetDefaults(p)
	return p
}

// Admit implements AdmitFunc.
func (p *ResyncPolicy) Admit(address string) bool {
	last, ok := p.last.Get(address)
	if !ok {
		return true
	}
	wait := p.Interval
	if last.calibration {
		wait = p.CalibrationInterval
	}
	return p.now().Sub(last.at) >= wait
}

// Record remembers successful sessions. Failed sessions leave the device eligible.
func (p *ResyncPolicy) Record(r session.Report) {
	if !r.OK() {
		return
	}
	p.last.Set(r.Address, lastSync{at: p.now(), calibration: r.Calibration})
}

// Forget makes a device eligible again.
func (p *ResyncPolicy) Forget(address string) {
	p.last.Del(address)
}

func (p *ResyncPolicy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

package poll

import (
	"cmp"
	"slices"
	"time"

	"example.com/eng-clock/base/floats"
	"example.com/eng-clock/base/timemath"
)

type PoolParams struct {
	FailureThreshold int
	Cooldown         time.Duration
	DelaySmoothing   float64
}

// ServerRecord is the health of one configured server.
type ServerRecord struct {
	Address     string
	LastAttempt time.Time
	LastSuccess time.Time
	LastFailure time.Time
	Failures    int // consecutive
	delay       floats.ExpAvg
}

// SmoothedDelay returns the exponential average of the round trip delays
// of successful exchanges, or false if there was none yet.
func (r *ServerRecord) SmoothedDelay() (time.Duration, bool) {
	d, ok := r.delay.Value()
	return timemath.Duration(d), ok
}

func (r *ServerRecord) cooldownEnd(p PoolParams) time.Time {
	return r.LastFailure.Add(p.Cooldown)
}

// Eligible reports whether r may be queried at now.
func Eligible(r *ServerRecord, now time.Time, p PoolParams) bool {
	return r.Failures < p.FailureThreshold || !now.Before(r.cooldownEnd(p))
}

// Pool is the table of server records. It is not safe for concurrent use.
type Pool struct {
	params  PoolParams
	records []ServerRecord
}

func NewPool(addrs []string, p PoolParams) *Pool {
	if len(addrs) == 0 {
		panic("unexpected empty server pool")
	}
	if p.FailureThreshold < 1 {
		panic("unexpected failure threshold")
	}
	pool := &Pool{params: p}
	for _, a := range addrs {
		pool.records = append(pool.records, ServerRecord{
			Address: a,
			delay:   floats.NewExpAvg(p.DelaySmoothing),
		})
	}
	return pool
}

func (p *Pool) record(addr string) *ServerRecord {
	for i := range p.records {
		if p.records[i].Address == addr {
			return &p.records[i]
		}
	}
	panic("unexpected server address")
}

func (p *Pool) RecordSuccess(addr string, now time.Time, delay time.Duration) {
	r := p.record(addr)
	r.LastAttempt = now
	r.LastSuccess = now
	r.Failures = 0
	r.delay.Add(timemath.Seconds(delay))
}

func (p *Pool) RecordFailure(addr string, now time.Time) {
	r := p.record(addr)
	r.LastAttempt = now
	r.LastFailure = now
	r.Failures++
}

// Records returns a copy of the table in configuration order.
func (p *Pool) Records() []ServerRecord {
	return slices.Clone(p.records)
}

// Excluded returns the number of servers not eligible at now.
func (p *Pool) Excluded(now time.Time) int {
	n := 0
	for i := range p.records {
		if !Eligible(&p.records[i], now, p.params) {
			n++
		}
	}
	return n
}

// Select returns up to n servers to query at now. Eligible servers are
// ordered by consecutive failures, smoothed delay and least recent attempt;
// servers without a delay estimate rank first so that every configured
// server gets measured. With no server eligible the ones whose cooldown
// ends first are returned.
func (p *Pool) Select(now time.Time, n int) []string {
	var eligible []*ServerRecord
	for i := range p.records {
		if Eligible(&p.records[i], now, p.params) {
			eligible = append(eligible, &p.records[i])
		}
	}
	if len(eligible) != 0 {
		slices.SortStableFunc(eligible, func(a, b *ServerRecord) int {
			if c := cmp.Compare(a.Failures, b.Failures); c != 0 {
				return c
			}
			da, _ := a.SmoothedDelay()
			db, _ := b.SmoothedDelay()
			if c := cmp.Compare(da, db); c != 0 {
				return c
			}
			return a.LastAttempt.Compare(b.LastAttempt)
		})
	} else {
		for i := range p.records {
			eligible = append(eligible, &p.records[i])
		}
		slices.SortStableFunc(eligible, func(a, b *ServerRecord) int {
			return a.cooldownEnd(p.params).Compare(b.cooldownEnd(p.params))
		})
	}
	n = min(n, len(eligible))
	addrs := make([]string, n)
	for i := range n {
		addrs[i] = eligible[i].Address
	}
	return addrs
}

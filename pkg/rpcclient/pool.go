package rpcclient

import (
	"sync/atomic"
	"time"
)

// endpointState represents the health state of an endpoint.
type endpointState struct {
	url         string
	healthy     atomic.Bool
	failCount   atomic.Int32
	lastLatency atomic.Int64 // nanoseconds
	lastCheck   atomic.Int64 // Unix nano timestamp
}

// EndpointStatus is a snapshot of one endpoint's health.
type EndpointStatus struct {
	URL       string        `json:"url"`
	Healthy   bool          `json:"healthy"`
	Failures  int           `json:"failures"`
	Latency   time.Duration `json:"latency"`
	LastCheck time.Time     `json:"lastCheck"`
}

// pool selects endpoints round-robin among the healthy ones. An endpoint is
// marked unhealthy after maxFailures consecutive transport failures and
// becomes healthy again on its next success.
type pool struct {
	endpoints   []*endpointState
	nextIndex   atomic.Uint64
	maxFailures int32

	onHealthChange func(url string, healthy bool)
}

func newPool(urls []string, maxFailures int) *pool {
	p := &pool{
		endpoints:   make([]*endpointState, 0, len(urls)),
		maxFailures: int32(maxFailures),
	}

	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true

		ep := &endpointState{url: u}
		ep.healthy.Store(true) // Assume healthy until proven otherwise
		p.endpoints = append(p.endpoints, ep)
	}
	return p
}

// order returns endpoints to try for one call: healthy endpoints starting
// at the round-robin cursor, then unhealthy ones as a last resort.
func (p *pool) order() []*endpointState {
	n := len(p.endpoints)
	if n == 0 {
		return nil
	}

	start := int(p.nextIndex.Add(1) % uint64(n))
	out := make([]*endpointState, 0, n)
	var unhealthy []*endpointState
	for i := 0; i < n; i++ {
		ep := p.endpoints[(start+i)%n]
		if ep.healthy.Load() {
			out = append(out, ep)
		} else {
			unhealthy = append(unhealthy, ep)
		}
	}
	return append(out, unhealthy...)
}

func (p *pool) markHealthy(ep *endpointState, latency time.Duration) {
	ep.failCount.Store(0)
	ep.lastLatency.Store(int64(latency))
	ep.lastCheck.Store(time.Now().UnixNano())
	if !ep.healthy.Swap(true) && p.onHealthChange != nil {
		p.onHealthChange(ep.url, true)
	}
}

func (p *pool) markUnhealthy(ep *endpointState) {
	ep.lastCheck.Store(time.Now().UnixNano())
	if ep.failCount.Add(1) < p.maxFailures {
		return
	}
	if ep.healthy.Swap(false) && p.onHealthChange != nil {
		p.onHealthChange(ep.url, false)
	}
}

func (p *pool) healthyCount() int {
	n := 0
	for _, ep := range p.endpoints {
		if ep.healthy.Load() {
			n++
		}
	}
	return n
}

func (p *pool) status() []EndpointStatus {
	out := make([]EndpointStatus, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = EndpointStatus{
			URL:      ep.url,
			Healthy:  ep.healthy.Load(),
			Failures: int(ep.failCount.Load()),
			Latency:  time.Duration(ep.lastLatency.Load()),
		}
		if ns := ep.lastCheck.Load(); ns != 0 {
			out[i].LastCheck = time.Unix(0, ns)
		}
	}
	return out
}

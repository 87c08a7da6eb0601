package tel

import (
	"expvar"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Golang native expvar support.
// By importing the package, a handler for /debug/vars is created, returning JSON
//
// Prometheus conventions used for expvar names:
// [a-zA-Z0-9:_]*{key="value"}

// The expvar package provides built-in support for metrics. They are exposed as
// json - this package provides a prometheus exporter and helpers for use at runtime,
// for tests or for adjusting behavior based on telemetry.
//
// Primary interface is Var, with String() returning json. Pre-defined Var:
// - Int
// - Float
//
// - Map - includes a sorted keys, can be used as a var - and with Do().
// - String
// - Func - anything, will be marshalled as json
//
// Publish is used to create vars in the package-local 'vars' - it provides
// Get(), Do() - but not Delete.

// Naming:
//  namespace_NAME_type
// - seconds
// - bytes
// - _total - all counters - rest are gauges or complex types.
// - sum, count, bucket - in histo and summaries
//
// namespace is app name or 'http', etc.
// Labels can be the ID, service, method, status_code etc.

var getMu sync.Mutex

// Get returns the Float counter with the given name, creating and
// publishing it on first use. Labels are currently folded into the
// name by the caller.
func Get(name string, labels ...string) *expvar.Float {
	getMu.Lock()
	defer getMu.Unlock()
	c := expvar.Get(name)
	if c == nil {
		f := &expvar.Float{}
		expvar.Publish(name, f)
		return f
	}
	return c.(*expvar.Float)
}

// MetricValue extracts the int value of an expvar.
func MetricValue(name string) int64 {
	p := expvar.Get(name)
	if p == nil {
		return 0
	}
	switch v := p.(type) {
	case *expvar.Int:
		return v.Value()
	case *expvar.Float:
		return int64(v.Value())
	}
	return 0
}

// MetricValues extracts a labeled metric (expvar.Map) as a plain map.
func MetricValues(name string) map[string]int64 {
	p := expvar.Get(name)
	if p == nil {
		return nil
	}
	m, ok := p.(*expvar.Map)
	if !ok {
		return nil
	}
	res := map[string]int64{}
	m.Do(func(kv expvar.KeyValue) {
		switch v := kv.Value.(type) {
		case *expvar.Int:
			res[kv.Key] = v.Value()
		case *IntExp:
			res[kv.Key] = v.Value()
		}
	})
	return res
}

// IntExp is an expvar.Int that remembers its last use, so unused
// labels can eventually be cleaned.
type IntExp struct {
	expvar.Int
	LastUse time.Time
}

func (v *IntExp) Add(delta int64) {
	v.Int.Add(delta)
	v.LastUse = time.Now()
}

func (v *IntExp) Set(delta int64) {
	v.Int.Set(delta)
	v.LastUse = time.Now()
}

// WithLabels returns the counter for one label value of a mapped
// metric, creating the map and the entry as needed.
func WithLabels(name, l string) *expvar.Int {
	getMu.Lock()
	defer getMu.Unlock()
	var mp *expvar.Map
	if m := expvar.Get(name); m == nil {
		mp = expvar.NewMap(name)
	} else {
		mp = m.(*expvar.Map)
	}
	mp.Add(l, 0)
	return mp.Get(l).(*expvar.Int)
}

// Histogram is a minimal count/sum/min/max summary. It is not
// bucketed; it exists for tests and rough latency tracking.
type Histogram struct {
	mu    sync.Mutex
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

func (h *Histogram) Update(v float64) {
	h.mu.Lock()
	h.Count++
	h.Sum += v
	if h.Count == 1 || v < h.Min {
		h.Min = v
	}
	if v > h.Max {
		h.Max = v
	}
	h.mu.Unlock()
}

func (h *Histogram) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("{\"count\": %d, \"sum\": %f}", h.Count, h.Sum)
}

// HandleMetrics writes all expvars in prometheus text format. Mapped
// metrics become labeled series.
func HandleMetrics(w http.ResponseWriter, req *http.Request) {
	expvar.Do(func(kv expvar.KeyValue) {
		if m, ok := kv.Value.(*expvar.Map); ok {
			m.Do(func(kv1 expvar.KeyValue) {
				switch a := kv1.Value.(type) {
				case *expvar.Int:
					fmt.Fprintf(w, "%s{%s} %d\n", kv.Key, kv1.Key, a.Value())
				case *expvar.Float:
					fmt.Fprintf(w, "%s{%s} %f\n", kv.Key, kv1.Key, a.Value())
				case *IntExp:
					fmt.Fprintf(w, "%s{%s} %d\n", kv.Key, kv1.Key, a.Value())
				}
			})
			return
		}
		switch a := kv.Value.(type) {
		case *expvar.Int:
			fmt.Fprintf(w, "%s %d\n", kv.Key, a.Value())
		case *expvar.Float:
			fmt.Fprintf(w, "%s %f\n", kv.Key, a.Value())
		}
	})
}

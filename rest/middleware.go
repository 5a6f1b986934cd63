package rest

import (
	"context"
	"sort"
	"sync"

	"github.com/adred-codev/concord/cerr"
	"github.com/prometheus/client_golang/prometheus"
)

// StageKind declares what a pipeline stage is for. Request stages shape the
// outgoing request and may short-circuit, but never see the downstream
// result; response stages observe the result; error stages may recover a
// failure by synthesizing a response.
type StageKind int

const (
	StageRequest StageKind = iota
	StageResponse
	StageError
)

// Next yields control to the remainder of the pipeline.
type Next func() (*Response, error)

// StageFunc is the onion-model stage body: inspect or mutate on the way in,
// call next to go deeper, inspect the result on the way out. Returning
// without calling next short-circuits the pipeline.
type StageFunc func(c *StageContext, next Next) (*Response, error)

// Stage is one registered element of the middleware pipeline.
type Stage struct {
	Name     string
	Kind     StageKind
	Priority int // 0..100, higher runs earlier
	Enabled  bool
	Run      StageFunc
}

// StageContext carries the per-call state visible to stages.
type StageContext struct {
	Ctx     context.Context
	Request *Request
	Route   Route
	Attempt int
}

// Pipeline holds the ordered stage registry. The set of stages applied to a
// call is captured when the call enters the pipeline; registrations made
// mid-flight apply to later calls only.
type Pipeline struct {
	mu     sync.RWMutex
	stages []Stage

	recoveries prometheus.Counter
}

// NewPipeline creates an empty pipeline. recoveries may be nil.
func NewPipeline(recoveries prometheus.Counter) *Pipeline {
	return &Pipeline{recoveries: recoveries}
}

// Register adds a stage, keeping the registry sorted by descending priority.
// Registration order breaks ties, so equal priorities run in the order they
// were added.
func (p *Pipeline) Register(s Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, s)
	sort.SliceStable(p.stages, func(i, j int) bool {
		return p.stages[i].Priority > p.stages[j].Priority
	})
}

// SetEnabled flips a stage by name.
func (p *Pipeline) SetEnabled(name string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.stages {
		if p.stages[i].Name == name {
			p.stages[i].Enabled = enabled
		}
	}
}

func (p *Pipeline) snapshot() []Stage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stage, 0, len(p.stages))
	for _, s := range p.stages {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Run threads the call through every enabled stage and finally the terminal
// handler. Cancellation is honoured cooperatively at each stage boundary.
// If a stage fails, the error propagates outward; the first enclosing
// error-kind stage that returns a response has recovered it. Request-kind
// stages are handed a next that yields nothing and whose surrounding
// result is ignored once called, so the downstream response is invisible
// to them.
func (p *Pipeline) Run(c *StageContext, terminal Next) (*Response, error) {
	stages := p.snapshot()

	next := terminal
	for i := len(stages) - 1; i >= 0; i-- {
		stage := stages[i]
		inner := next

		checked := func() (*Response, error) {
			if err := c.Ctx.Err(); err != nil {
				return nil, cerr.Cancelled.Wrap(err)
			}
			return inner()
		}

		switch stage.Kind {
		case StageError:
			next = func() (*Response, error) {
				var innerErr error
				probe := func() (*Response, error) {
					resp, err := checked()
					innerErr = err
					return resp, err
				}
				resp, err := stage.Run(c, probe)
				if innerErr != nil && err == nil && resp != nil && p.recoveries != nil {
					p.recoveries.Inc()
				}
				return resp, err
			}
		case StageRequest:
			next = func() (*Response, error) {
				var resp *Response
				var err error
				called := false
				blind := func() (*Response, error) {
					called = true
					resp, err = checked()
					return nil, nil
				}
				sresp, serr := stage.Run(c, blind)
				if !called {
					// Short-circuit: the stage answered on its own.
					return sresp, serr
				}
				return resp, err
			}
		default: // StageResponse
			next = func() (*Response, error) {
				return stage.Run(c, checked)
			}
		}
	}

	if err := c.Ctx.Err(); err != nil {
		return nil, cerr.Cancelled.Wrap(err)
	}
	return next()
}

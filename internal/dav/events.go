package dav

import (
	"context"
	"net/http"
	"sort"

	"gitea.jw6.us/james/davkit/internal/davxml"
)

// Outcome tells the emitter whether later listeners should run.
type Outcome int

const (
	// Continue passes the event to the next listener.
	Continue Outcome = iota
	// Stop ends the chain; for method and report events it means the
	// request was handled.
	Stop
)

// Default listener priority.
const DefaultPriority = 100

type listener[T any] struct {
	priority int
	seq      int
	fn       T
}

// Chain is a list of listeners ordered by ascending priority. Listeners with
// equal priority run in registration order.
type Chain[T any] struct {
	items []listener[T]
	seq   int
}

// On registers fn at priority.
func (c *Chain[T]) On(priority int, fn T) {
	c.items = append(c.items, listener[T]{priority: priority, seq: c.seq, fn: fn})
	c.seq++
	sort.SliceStable(c.items, func(i, j int) bool {
		if c.items[i].priority != c.items[j].priority {
			return c.items[i].priority < c.items[j].priority
		}
		return c.items[i].seq < c.items[j].seq
	})
}

// Len returns the number of listeners.
func (c *Chain[T]) Len() int { return len(c.items) }

// emit calls each listener until one stops the chain or fails.
func emit[T any](c *Chain[T], call func(T) (Outcome, error)) (Outcome, error) {
	for _, l := range c.items {
		out, err := call(l.fn)
		if err != nil {
			return Stop, err
		}
		if out == Stop {
			return Stop, nil
		}
	}
	return Continue, nil
}

// Request is the in-flight HTTP request handed to method listeners.
type Request struct {
	W    http.ResponseWriter
	R    *http.Request
	Path string
}

// ReportRequest is a REPORT being dispatched.
type ReportRequest struct {
	*Request
	Name string
	Doc  *davxml.Element
}

// Listener signatures for each event.
type (
	PropFindListener     func(ctx context.Context, pf *PropFind, node Node) (Outcome, error)
	PropPatchListener    func(ctx context.Context, pp *PropPatch) (Outcome, error)
	MethodListener       func(ctx context.Context, req *Request) (Outcome, error)
	ReportListener       func(ctx context.Context, req *ReportRequest) (Outcome, error)
	WriteContentListener func(ctx context.Context, path string, node Node, data *[]byte) (Outcome, error)
	CreateFileListener   func(ctx context.Context, path string, data *[]byte, parent Node) (Outcome, error)
	UnbindListener       func(ctx context.Context, path string) (Outcome, error)
	MoveListener         func(ctx context.Context, src, dst string) (Outcome, error)
)

// Events holds the listener chains of a server.
type Events struct {
	PropFind           Chain[PropFindListener]
	PropPatch          Chain[PropPatchListener]
	BeforeMethod       Chain[MethodListener]
	Report             Chain[ReportListener]
	BeforeWriteContent Chain[WriteContentListener]
	BeforeCreateFile   Chain[CreateFileListener]
	AfterUnbind        Chain[UnbindListener]
	AfterMove          Chain[MoveListener]

	methods map[string]*Chain[MethodListener]
}

// OnMethod registers a listener for method:VERB.
func (e *Events) OnMethod(method string, priority int, fn MethodListener) {
	if e.methods == nil {
		e.methods = make(map[string]*Chain[MethodListener])
	}
	c, ok := e.methods[method]
	if !ok {
		c = &Chain[MethodListener]{}
		e.methods[method] = c
	}
	c.On(priority, fn)
}

// HasMethod reports whether any listener handles method.
func (e *Events) HasMethod(method string) bool {
	c, ok := e.methods[method]
	return ok && c.Len() > 0
}

// Methods returns the verbs with at least one listener.
func (e *Events) Methods() []string {
	out := make([]string, 0, len(e.methods))
	for m, c := range e.methods {
		if c.Len() > 0 {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Events) emitPropFind(ctx context.Context, pf *PropFind, node Node) (Outcome, error) {
	return emit(&e.PropFind, func(l PropFindListener) (Outcome, error) { return l(ctx, pf, node) })
}

func (e *Events) emitPropPatch(ctx context.Context, pp *PropPatch) (Outcome, error) {
	return emit(&e.PropPatch, func(l PropPatchListener) (Outcome, error) { return l(ctx, pp) })
}

func (e *Events) emitBeforeMethod(ctx context.Context, req *Request) (Outcome, error) {
	return emit(&e.BeforeMethod, func(l MethodListener) (Outcome, error) { return l(ctx, req) })
}

func (e *Events) emitMethod(ctx context.Context, req *Request) (Outcome, error) {
	c, ok := e.methods[req.R.Method]
	if !ok {
		return Continue, nil
	}
	return emit(c, func(l MethodListener) (Outcome, error) { return l(ctx, req) })
}

func (e *Events) emitReport(ctx context.Context, req *ReportRequest) (Outcome, error) {
	return emit(&e.Report, func(l ReportListener) (Outcome, error) { return l(ctx, req) })
}

func (e *Events) emitBeforeWriteContent(ctx context.Context, path string, node Node, data *[]byte) (Outcome, error) {
	return emit(&e.BeforeWriteContent, func(l WriteContentListener) (Outcome, error) { return l(ctx, path, node, data) })
}

func (e *Events) emitBeforeCreateFile(ctx context.Context, path string, data *[]byte, parent Node) (Outcome, error) {
	return emit(&e.BeforeCreateFile, func(l CreateFileListener) (Outcome, error) { return l(ctx, path, data, parent) })
}

func (e *Events) emitAfterUnbind(ctx context.Context, path string) (Outcome, error) {
	return emit(&e.AfterUnbind, func(l UnbindListener) (Outcome, error) { return l(ctx, path) })
}

func (e *Events) emitAfterMove(ctx context.Context, src, dst string) (Outcome, error) {
	return emit(&e.AfterMove, func(l MoveListener) (Outcome, error) { return l(ctx, src, dst) })
}

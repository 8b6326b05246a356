package dav

import (
	"context"
	"fmt"
	"net/http"

	"gitea.jw6.us/james/davkit/internal/davxml"
)

// PatchResult is what a PatchFunc reports for the properties it claimed.
// A non-empty PerProp takes precedence over Status.
type PatchResult struct {
	Status  int
	PerProp map[string]int
}

// PatchSucceeded reports success for every claimed property.
func PatchSucceeded() PatchResult { return PatchResult{Status: http.StatusOK} }

// PatchFailed reports failure for every claimed property.
func PatchFailed() PatchResult { return PatchResult{Status: http.StatusForbidden} }

// PatchFunc applies the claimed mutations. A nil value removes a property.
type PatchFunc func(ctx context.Context, mutations map[string]any) (PatchResult, error)

type patchClaim struct {
	names []string
	fn    PatchFunc
}

const statusPending = http.StatusAccepted

// PropPatch collects handlers for a set of property mutations and applies
// them all-or-nothing in Commit.
type PropPatch struct {
	path      string
	order     []string
	mutations map[string]any
	result    map[string]int
	claims    []patchClaim
	failed    bool
}

// NewPropPatch builds a PropPatch; later mutations of the same name win.
func NewPropPatch(path string, mutations []davxml.Mutation) *PropPatch {
	pp := &PropPatch{
		path:      CleanPath(path),
		mutations: make(map[string]any, len(mutations)),
		result:    make(map[string]int, len(mutations)),
	}
	for _, m := range mutations {
		if _, seen := pp.mutations[m.Name]; !seen {
			pp.order = append(pp.order, m.Name)
		}
		pp.mutations[m.Name] = m.Value
	}
	return pp
}

// Path is the target path.
func (pp *PropPatch) Path() string { return pp.path }

// Mutations returns a copy of the mutation map.
func (pp *PropPatch) Mutations() map[string]any {
	out := make(map[string]any, len(pp.mutations))
	for k, v := range pp.mutations {
		out[k] = v
	}
	return out
}

// Names returns the mutated names in request order.
func (pp *PropPatch) Names() []string {
	return append([]string(nil), pp.order...)
}

// RemainingMutations returns the names without a handler or result yet.
func (pp *PropPatch) RemainingMutations() []string {
	var out []string
	for _, n := range pp.order {
		if _, ok := pp.result[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// Handle claims the listed names that are being mutated. Names that already
// carry a result code are skipped; claiming a name another handler already
// claimed is an error.
func (pp *PropPatch) Handle(names []string, fn PatchFunc) error {
	var used []string
	for _, n := range names {
		if _, mutated := pp.mutations[n]; !mutated {
			continue
		}
		status, has := pp.result[n]
		if has && status == statusPending {
			return fmt.Errorf("proppatch: property %s is already claimed", n)
		}
		if has {
			continue
		}
		used = append(used, n)
	}
	if len(used) == 0 {
		return nil
	}
	for _, n := range used {
		pp.result[n] = statusPending
	}
	pp.claims = append(pp.claims, patchClaim{names: used, fn: fn})
	return nil
}

// HandleRemaining claims every name without a handler or result.
func (pp *PropPatch) HandleRemaining(fn PatchFunc) {
	remaining := pp.RemainingMutations()
	if len(remaining) == 0 {
		return
	}
	for _, n := range remaining {
		pp.result[n] = statusPending
	}
	pp.claims = append(pp.claims, patchClaim{names: remaining, fn: fn})
}

// SetResultCode fixes the status of names; a failure code fails the patch.
func (pp *PropPatch) SetResultCode(names []string, code int) {
	for _, n := range names {
		if _, mutated := pp.mutations[n]; !mutated {
			continue
		}
		pp.result[n] = code
	}
	if code >= http.StatusBadRequest {
		pp.failed = true
	}
}

// SetRemainingResultCode fixes the status of every unclaimed name.
func (pp *PropPatch) SetRemainingResultCode(code int) {
	pp.SetResultCode(pp.RemainingMutations(), code)
}

// Result returns the per-property status codes.
func (pp *PropPatch) Result() map[string]int {
	out := make(map[string]int, len(pp.result))
	for k, v := range pp.result {
		out[k] = v
	}
	return out
}

// Failed reports whether any property failed.
func (pp *PropPatch) Failed() bool { return pp.failed }

// Commit runs the claimed handlers in registration order. Unclaimed names
// are rejected with 403; once a handler fails, the remaining claims are not
// run and their properties become 424. Claims that already succeeded keep
// their 200; handlers are not asked to undo them. It reports whether every
// mutation succeeded.
func (pp *PropPatch) Commit(ctx context.Context) bool {
	for _, n := range pp.order {
		if _, ok := pp.result[n]; !ok {
			pp.result[n] = http.StatusForbidden
			pp.failed = true
		}
	}
	for _, c := range pp.claims {
		if pp.failed {
			break
		}
		pp.runClaim(ctx, c)
	}
	if pp.failed {
		for n, status := range pp.result {
			if status == statusPending {
				pp.result[n] = http.StatusFailedDependency
			}
		}
	}
	return !pp.failed
}

func (pp *PropPatch) runClaim(ctx context.Context, c patchClaim) {
	arg := make(map[string]any, len(c.names))
	for _, n := range c.names {
		arg[n] = pp.mutations[n]
	}
	res, err := c.fn(ctx, arg)
	if err != nil {
		status := StatusFromError(err)
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		for _, n := range c.names {
			pp.result[n] = status
		}
		pp.failed = true
		return
	}
	if len(res.PerProp) > 0 {
		for _, n := range c.names {
			code, ok := res.PerProp[n]
			if !ok {
				code = http.StatusInternalServerError
			}
			if code >= http.StatusBadRequest {
				pp.failed = true
			}
			pp.result[n] = code
		}
		return
	}
	if res.Status >= http.StatusBadRequest || res.Status == 0 {
		status := res.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		for _, n := range c.names {
			pp.result[n] = status
		}
		pp.failed = true
		return
	}
	for _, n := range c.names {
		switch {
		case res.Status != http.StatusOK:
			pp.result[n] = res.Status
		case arg[n] == nil:
			pp.result[n] = http.StatusNoContent
		default:
			pp.result[n] = http.StatusOK
		}
	}
}

// Response renders the per-property results as a multistatus entry.
func (pp *PropPatch) Response() davxml.Response {
	props := map[int]map[string]any{}
	for n, status := range pp.result {
		if props[status] == nil {
			props[status] = map[string]any{}
		}
		props[status][n] = nil
	}
	return davxml.Response{Href: pp.path, Props: props}
}

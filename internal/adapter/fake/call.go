package fake

import (
	"slices"
	"sync"
)

// Call is one recorded invocation on a fake. Seq orders calls within the
// recorder.
type Call struct {
	Seq    int
	Method string
	Args   []any
}

// CallRecorder is embedded by fakes so tests can assert which catalog,
// lock or executor operations a procedure issued and in what order.
type CallRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *CallRecorder) record(method string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Seq: len(r.calls), Method: method, Args: args})
	r.mu.Unlock()
}

// Calls returns the recorded calls to any of methods, or every call when
// none are named.
func (r *CallRecorder) Calls(methods ...string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Call
	for _, c := range r.calls {
		if len(methods) == 0 || slices.Contains(methods, c.Method) {
			out = append(out, c)
		}
	}
	return out
}

// Methods returns the method names of every call in order.
func (r *CallRecorder) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Method
	}
	return out
}

func (r *CallRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

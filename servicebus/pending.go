package servicebus

import (
	"slices"
	"sync"
	"time"

	"github.com/next-trace/blossom/contract/rpc"
)

type outcome struct {
	reply rpc.Reply
	err   error
}

type pendingRequest struct {
	pattern string
	created time.Time
	done    chan outcome // buffered; receives exactly one outcome
}

// pendingTable tracks calls awaiting a reply by correlation id. An entry is
// removed by whoever resolves it, so each call sees at most one outcome.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*pendingRequest)}
}

func (p *pendingTable) add(id, pattern string) (*pendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.m[id]; exists {
		return nil, false
	}

	pr := &pendingRequest{pattern: pattern, created: time.Now(), done: make(chan outcome, 1)}
	p.m[id] = pr

	return pr, true
}

// resolve removes the entry and hands it its outcome. It reports false when
// no call is waiting for id.
func (p *pendingTable) resolve(id string, out outcome) bool {
	p.mu.Lock()
	pr, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	p.mu.Unlock()

	if ok {
		pr.done <- out
	}

	return ok
}

// remove takes the entry out without resolving it, for calls given up on by
// their caller.
func (p *pendingTable) remove(id string) (*pendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pr, ok := p.m[id]
	delete(p.m, id)

	return pr, ok
}

// failAll resolves every entry with err and returns the entries it failed.
func (p *pendingTable) failAll(err error) []*pendingRequest {
	p.mu.Lock()
	entries := p.m
	p.m = make(map[string]*pendingRequest)
	p.mu.Unlock()

	failed := make([]*pendingRequest, 0, len(entries))
	for _, pr := range entries {
		pr.done <- outcome{err: err}
		failed = append(failed, pr)
	}

	return failed
}

// inFlight describes failed calls for a log line: the patterns involved and
// how long the oldest had been waiting.
func inFlight(reqs []*pendingRequest, now time.Time) (patterns []string, oldest time.Duration) {
	seen := make(map[string]bool, len(reqs))

	for _, pr := range reqs {
		if !seen[pr.pattern] {
			seen[pr.pattern] = true
			patterns = append(patterns, pr.pattern)
		}

		if age := now.Sub(pr.created); age > oldest {
			oldest = age
		}
	}

	slices.Sort(patterns)

	return patterns, oldest
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.m)
}

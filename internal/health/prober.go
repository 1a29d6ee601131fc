// Package health probes upstream dependencies and reports their state on
// the ops surface. Probe state never gates routing: the circuit breakers
// react to live traffic, the prober only tells operators what it sees.
package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trellishq/trellis/internal/logging"
)

// State is the probed condition of a single target.
type State string

const (
	StateUp      State = "up"
	StateDown    State = "down"
	StateUnknown State = "unknown"
)

// Kind selects the probe mechanism for a target.
type Kind string

const (
	KindHTTP Kind = "http"
	KindTCP  Kind = "tcp"
)

// StatusRange is an inclusive range of acceptable HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

func (r StatusRange) contains(code int) bool {
	return code >= r.Lo && code <= r.Hi
}

// ParseStatusRange parses one acceptable-status expression: a single code
// ("204"), a class ("2xx"), or an inclusive range ("200-299").
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) == 3 && strings.HasSuffix(s, "xx") {
		class := int(s[0] - '0')
		if class < 1 || class > 5 {
			return StatusRange{}, fmt.Errorf("invalid status class %q", s)
		}
		return StatusRange{class * 100, class*100 + 99}, nil
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		from, err1 := strconv.Atoi(lo)
		to, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || from < 100 || to > 599 || from > to {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{from, to}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, fmt.Errorf("invalid status code %q", s)
	}
	return StatusRange{code, code}, nil
}

func parseExpect(exprs []string) ([]StatusRange, error) {
	ranges := make([]StatusRange, 0, len(exprs))
	for _, e := range exprs {
		r, err := ParseStatusRange(e)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

func matchStatus(code int, ranges []StatusRange) bool {
	for _, r := range ranges {
		if r.contains(code) {
			return true
		}
	}
	return false
}

// Target describes one dependency to probe. HTTP targets set URL (and
// optionally Path, Method, Expect); TCP targets set Address instead.
type Target struct {
	// Name labels the target in snapshots and logs. Defaults to the
	// probed endpoint.
	Name string

	// URL is the base URL of an HTTP target, e.g. "http://billing:8443".
	URL string
	// Path is appended to URL for the probe request. Defaults to "/healthz".
	Path string
	// Method defaults to GET.
	Method string
	// Expect lists acceptable statuses ("204", "2xx", "200-299").
	// Defaults to 200-399.
	Expect []string

	// Address is the host:port of a TCP target; a successful dial passes.
	Address string

	Timeout  time.Duration
	Interval time.Duration

	// UpAfter is the number of consecutive passes before the target is
	// reported up (default 2). DownAfter is the failure counterpart
	// (default 3).
	UpAfter   int
	DownAfter int
}

// Result is a point-in-time view of one target, shaped for the ops API.
type Result struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Endpoint  string    `json:"endpoint"`
	State     State     `json:"state"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Config holds prober-wide defaults applied to targets that leave the
// corresponding field zero.
type Config struct {
	Timeout  time.Duration // per-probe deadline, default 5s
	Interval time.Duration // time between probes, default 10s

	// OnChange is invoked on its own goroutine whenever a target
	// transitions state.
	OnChange func(name string, state State)
}

// Prober runs periodic probes against registered targets and keeps the
// latest result per target. A target flips state only after the configured
// number of consecutive passes or failures, so one glitch never flaps it.
type Prober struct {
	cfg    Config
	client *http.Client
	dialer net.Dialer

	mu      sync.RWMutex
	targets map[string]*targetState
	started bool

	ctx    context.Context
	cancel context.CancelFunc
}

type targetState struct {
	target   Target
	kind     Kind
	endpoint string
	expect   []StatusRange

	state   State
	passes  int
	fails   int
	latency time.Duration
	lastErr error
	checked time.Time
}

func (st *targetState) result() Result {
	r := Result{
		Name:      st.target.Name,
		Kind:      st.kind,
		Endpoint:  st.endpoint,
		State:     st.state,
		LatencyMS: st.latency.Milliseconds(),
		CheckedAt: st.checked,
	}
	if st.lastErr != nil {
		r.Error = st.lastErr.Error()
	}
	return r
}

// NewProber creates a stopped prober; register targets with Add and begin
// probing with Start.
func NewProber(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		cfg: cfg,
		client: &http.Client{
			// Deadlines come from the per-probe context so each target
			// honors its own timeout.
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		targets: make(map[string]*targetState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a target. Targets added after Start begin probing
// immediately.
func (p *Prober) Add(t Target) error {
	if t.URL == "" && t.Address == "" {
		return fmt.Errorf("health target %q needs a url or an address", t.Name)
	}
	if t.URL != "" && t.Address != "" {
		return fmt.Errorf("health target %q sets both url and address", t.Name)
	}
	if t.Timeout <= 0 {
		t.Timeout = p.cfg.Timeout
	}
	if t.Interval <= 0 {
		t.Interval = p.cfg.Interval
	}
	if t.UpAfter <= 0 {
		t.UpAfter = 2
	}
	if t.DownAfter <= 0 {
		t.DownAfter = 3
	}

	st := &targetState{state: StateUnknown}
	if t.URL != "" {
		st.kind = KindHTTP
		if t.Method == "" {
			t.Method = http.MethodGet
		}
		path := t.Path
		if path == "" {
			path = "/healthz"
		}
		st.endpoint = strings.TrimSuffix(t.URL, "/") + path
		expect, err := parseExpect(t.Expect)
		if err != nil {
			return fmt.Errorf("health target %q: %w", t.Name, err)
		}
		if len(expect) == 0 {
			expect = []StatusRange{{200, 399}}
		}
		st.expect = expect
	} else {
		st.kind = KindTCP
		st.endpoint = t.Address
	}
	if t.Name == "" {
		t.Name = st.endpoint
	}
	st.target = t

	p.mu.Lock()
	if _, dup := p.targets[t.Name]; dup {
		p.mu.Unlock()
		return fmt.Errorf("duplicate health target %q", t.Name)
	}
	p.targets[t.Name] = st
	started := p.started
	p.mu.Unlock()

	if started {
		go p.loop(t.Name)
	}
	return nil
}

// Remove drops a target; its probe loop notices and exits.
func (p *Prober) Remove(name string) {
	p.mu.Lock()
	delete(p.targets, name)
	p.mu.Unlock()
}

// Start launches a probe loop per registered target.
func (p *Prober) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	names := make([]string, 0, len(p.targets))
	for name := range p.targets {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		go p.loop(name)
	}
}

// Stop cancels every probe loop and any in-flight probe.
func (p *Prober) Stop() {
	p.cancel()
}

func (p *Prober) loop(name string) {
	p.probe(name)

	p.mu.RLock()
	st, ok := p.targets[name]
	if !ok {
		p.mu.RUnlock()
		return
	}
	interval := st.target.Interval
	p.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			_, ok := p.targets[name]
			p.mu.RUnlock()
			if !ok {
				return
			}
			p.probe(name)
		}
	}
}

func (p *Prober) probe(name string) {
	p.mu.RLock()
	st, ok := p.targets[name]
	if !ok {
		p.mu.RUnlock()
		return
	}
	kind := st.kind
	endpoint := st.endpoint
	method := st.target.Method
	timeout := st.target.Timeout
	expect := st.expect
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	start := time.Now()
	var err error
	switch kind {
	case KindTCP:
		var conn net.Conn
		conn, err = p.dialer.DialContext(ctx, "tcp", endpoint)
		if err == nil {
			conn.Close()
		}
	default:
		err = p.probeHTTP(ctx, method, endpoint, expect)
	}
	p.record(name, time.Since(start), err)
}

func (p *Prober) probeHTTP(ctx context.Context, method, url string, expect []StatusRange) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain a little so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if !matchStatus(resp.StatusCode, expect) {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (p *Prober) record(name string, latency time.Duration, err error) {
	p.mu.Lock()
	st, ok := p.targets[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.checked = time.Now()
	st.latency = latency
	st.lastErr = err

	prev := st.state
	if err == nil {
		st.fails = 0
		st.passes++
		if st.passes >= st.target.UpAfter {
			st.state = StateUp
		}
	} else {
		st.passes = 0
		st.fails++
		if st.fails >= st.target.DownAfter {
			st.state = StateDown
		}
	}
	next := st.state
	p.mu.Unlock()

	if prev == next {
		return
	}
	switch next {
	case StateDown:
		logging.Warn("health target down",
			zap.String("target", name),
			zap.Error(err))
	case StateUp:
		logging.Info("health target up",
			zap.String("target", name),
			zap.Duration("latency", latency))
	}
	if p.cfg.OnChange != nil {
		go p.cfg.OnChange(name, next)
	}
}

// Probe runs one immediate probe of the named target and returns the
// resulting view. Unknown names return a zero-valued unknown Result.
func (p *Prober) Probe(name string) Result {
	p.probe(name)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if st, ok := p.targets[name]; ok {
		return st.result()
	}
	return Result{Name: name, State: StateUnknown, CheckedAt: time.Now()}
}

// State returns the current state of the named target.
func (p *Prober) State(name string) State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if st, ok := p.targets[name]; ok {
		return st.state
	}
	return StateUnknown
}

// Snapshot returns the latest result for every target, sorted by name.
func (p *Prober) Snapshot() []Result {
	p.mu.RLock()
	results := make([]Result, 0, len(p.targets))
	for _, st := range p.targets {
		results = append(results, st.result())
	}
	p.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Unready lists one reason per down target, for readiness aggregation.
// Targets still warming up (unknown) are not reported.
func (p *Prober) Unready() []string {
	var reasons []string
	for _, r := range p.Snapshot() {
		if r.State != StateDown {
			continue
		}
		reason := fmt.Sprintf("upstream %s is down", r.Name)
		if r.Error != "" {
			reason += ": " + r.Error
		}
		reasons = append(reasons, reason)
	}
	return reasons
}

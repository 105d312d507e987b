package flow

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/component/flowgraph"
	"github.com/c360/keybridge/config"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/message"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/pkg/worker"
	"github.com/c360/keybridge/session"
)

// DefaultHealthInterval is how often node health is pushed to the monitor.
const DefaultHealthInterval = 5 * time.Second

// TapFunc observes a message a node emitted on one of its output ports. It
// runs on the emitting goroutine and must not block.
type TapFunc func(node string, port int, msg *message.Message)

// delivery is one message on its way to a node input.
type delivery struct {
	target string
	msg    *message.Message
}

// Runtime builds the nodes of a flow, wires their ports and delivers messages
// between them through a worker pool.
type Runtime struct {
	registry *component.Registry
	sessions *session.Registry
	metrics  *metric.MetricsRegistry
	monitor  *health.Monitor
	logger   *slog.Logger
	base     *slog.Logger // unscoped, handed to nodes

	workers        int
	queueSize      int
	healthInterval time.Duration

	lifeMu sync.Mutex // serializes Build, Start and Stop

	mu      sync.RWMutex
	nodes   map[string]*component.ManagedComponent
	wires   map[string][][]string
	order   []string
	graph   *flowgraph.FlowGraph
	built   bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	tapMu   sync.RWMutex
	taps    map[string]map[uint64]TapFunc
	nextTap atomic.Uint64

	pool *worker.Pool[delivery]
}

// Option configures a Runtime
type Option func(*Runtime)

// WithLogger sets the runtime logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics exports node and pool metrics to registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Runtime) { r.metrics = registry }
}

// WithHealthMonitor reports node health to monitor
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(r *Runtime) { r.monitor = monitor }
}

// WithWorkers sizes the delivery pool
func WithWorkers(workers, queueSize int) Option {
	return func(r *Runtime) {
		if workers > 0 {
			r.workers = workers
		}
		if queueSize > 0 {
			r.queueSize = queueSize
		}
	}
}

// WithHealthInterval sets how often node health is reported
func WithHealthInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.healthInterval = d
		}
	}
}

// NewRuntime creates a runtime that builds nodes from registry factories and
// binds them to sessions.
func NewRuntime(registry *component.Registry, sessions *session.Registry, opts ...Option) (*Runtime, error) {
	if registry == nil {
		return nil, errors.WrapFatal(fmt.Errorf("nil component registry"), "Runtime", "NewRuntime", "check registry")
	}
	if sessions == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingSession, "Runtime", "NewRuntime", "check sessions")
	}

	r := &Runtime{
		registry:       registry,
		sessions:       sessions,
		logger:         slog.Default(),
		workers:        config.DefaultWorkers,
		queueSize:      config.DefaultQueueSize,
		healthInterval: DefaultHealthInterval,
		nodes:          make(map[string]*component.ManagedComponent),
		wires:          make(map[string][][]string),
		graph:          flowgraph.NewFlowGraph(),
		taps:           make(map[string]map[uint64]TapFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.base = r.logger
	r.logger = r.logger.With("component", "flow")

	r.pool = r.newPool()
	return r, nil
}

// Build creates every enabled node of cfg, initializes it and wires its
// output ports. Wires to disabled nodes are dropped with a warning.
func (r *Runtime) Build(cfg *config.Config) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.built {
		return errors.WrapInvalid(fmt.Errorf("flow already built"), "Runtime", "Build", "check state")
	}
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Runtime", "Build", "check config")
	}

	for _, name := range cfg.NodeNames() {
		nc := cfg.Nodes[name]
		if !nc.IsEnabled() {
			r.logger.Info("Skipping disabled node", "node", name)
			continue
		}
		if err := r.createNode(name, nc); err != nil {
			r.discardLocked()
			return err
		}
	}

	for _, name := range r.order {
		targets := cfg.Nodes[name].Wires
		wired := make([][]string, len(targets))
		for port, names := range targets {
			for _, target := range names {
				if _, ok := r.nodes[target]; !ok {
					r.logger.Warn("Dropping wire to disabled node", "node", name, "port", port, "target", target)
					continue
				}
				if err := r.graph.Wire(name, port, target); err != nil {
					r.discardLocked()
					return err
				}
				wired[port] = append(wired[port], target)
			}
		}
		r.wires[name] = wired
	}

	r.graph.ConnectByKeyExpr()
	analysis := r.graph.AnalyzeConnectivity()
	for _, d := range analysis.DisconnectedNodes {
		r.logger.Warn("Node is not connected to the rest of the flow", "node", d.Node, "issue", d.Issue)
	}

	r.built = true
	r.logger.Info("Flow built", "nodes", len(r.order), "edges", len(analysis.Edges))
	return nil
}

func (r *Runtime) createNode(name string, nc config.NodeConfig) error {
	deps := component.Dependencies{
		Sessions:        r.sessions,
		SessionName:     nc.Session,
		MetricsRegistry: r.metrics,
		HealthMonitor:   r.monitor,
		Logger:          r.base,
		Output:          r.emitterFor(name),
	}

	comp, err := r.registry.CreateComponent(name, nc.Type, nc.Config, deps)
	if err != nil {
		return err
	}
	if lc, ok := component.AsLifecycleComponent(comp); ok {
		if err := lc.Initialize(); err != nil {
			r.registry.UnregisterInstance(name)
			return errors.Wrap(err, "Runtime", "Build", fmt.Sprintf("initialize node %s", name))
		}
	}
	if err := r.graph.AddNode(name, comp); err != nil {
		r.registry.UnregisterInstance(name)
		return err
	}

	r.nodes[name] = &component.ManagedComponent{
		Name:       name,
		Component:  comp,
		State:      component.StateInitialized,
		StartOrder: len(r.order),
	}
	r.order = append(r.order, name)
	return nil
}

// discardLocked forgets every node built so far. REQUIRES: r.mu held.
func (r *Runtime) discardLocked() {
	for _, name := range r.order {
		r.registry.UnregisterInstance(name)
	}
	r.nodes = make(map[string]*component.ManagedComponent)
	r.wires = make(map[string][][]string)
	r.order = nil
	r.graph = flowgraph.NewFlowGraph()
}

// Start starts the delivery pool, then every lifecycle node in start order.
// When a node fails to start the nodes already started are stopped again.
func (r *Runtime) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	r.mu.RLock()
	built, started, pool := r.built, r.started, r.pool
	order := slices.Clone(r.order)
	r.mu.RUnlock()

	if !built {
		return errors.WrapInvalid(errors.ErrNotStarted, "Runtime", "Start", "flow not built")
	}
	if started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Runtime", "Start", "check state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := pool.Start(runCtx); err != nil {
		cancel()
		return errors.WrapFatal(err, "Runtime", "Start", "start delivery pool")
	}

	for i, name := range order {
		comp, _ := r.Node(name)
		lc, ok := component.AsLifecycleComponent(comp)
		if !ok {
			r.setState(name, component.StateStarted, nil)
			continue
		}
		r.logger.Info("Starting node", "node", name, "type", comp.Meta().Type)
		if err := lc.Start(runCtx); err != nil {
			r.setState(name, component.StateFailed, err)
			r.logger.Error("Node failed to start", "node", name, "error", err)
			r.stopNodes(order[:i], time.Second)
			_ = pool.Stop(time.Second)
			cancel()
			r.mu.Lock()
			r.resetPoolLocked()
			r.mu.Unlock()
			return errors.Wrap(err, "Runtime", "Start", fmt.Sprintf("start node %s", name))
		}
		r.setState(name, component.StateStarted, nil)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.started = true
	r.mu.Unlock()

	go r.reportHealth(runCtx, done)
	return nil
}

// Stop stops lifecycle nodes in reverse start order, then drains the
// delivery pool. Every failure is reported.
func (r *Runtime) Stop(timeout time.Duration) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	order := slices.Clone(r.order)
	pool, cancel, done := r.pool, r.cancel, r.done
	r.mu.Unlock()

	deadline := time.Now().Add(timeout)
	errs := r.stopNodes(order, timeout)
	if err := pool.Stop(max(time.Until(deadline), 0)); err != nil {
		errs = append(errs, errors.Wrap(err, "Runtime", "Stop", "drain delivery pool"))
	}
	cancel()
	<-done

	r.mu.Lock()
	r.resetPoolLocked()
	r.mu.Unlock()
	return stderrors.Join(errs...)
}

// resetPoolLocked replaces the stopped pool so the flow can be started
// again. REQUIRES: r.mu held.
func (r *Runtime) resetPoolLocked() {
	r.pool = r.newPool()
}

func (r *Runtime) newPool() *worker.Pool[delivery] {
	poolOpts := []worker.Option[delivery]{worker.WithLogger[delivery](r.logger)}
	if r.metrics != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[delivery](r.metrics, "flow"))
	}
	return worker.NewPool(r.workers, r.queueSize, r.deliver, poolOpts...)
}

func (r *Runtime) setState(name string, state component.State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mc, ok := r.nodes[name]; ok {
		mc.State = state
		mc.LastError = err
	}
}

func (r *Runtime) stopNodes(names []string, timeout time.Duration) []error {
	deadline := time.Now().Add(timeout)
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		comp, _ := r.Node(name)
		lc, ok := component.AsLifecycleComponent(comp)
		if !ok {
			r.setState(name, component.StateStopped, nil)
			continue
		}
		if err := lc.Stop(max(time.Until(deadline), 0)); err != nil {
			r.setState(name, component.StateFailed, err)
			errs = append(errs, fmt.Errorf("node %s: %w", name, err))
			continue
		}
		r.setState(name, component.StateStopped, nil)
		r.logger.Info("Node stopped", "node", name)
	}
	return errs
}

// IsRunning reports whether the flow is started
func (r *Runtime) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// Inject delivers msg to the input of the named node.
func (r *Runtime) Inject(ctx context.Context, name string, msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	mc, ok := r.nodes[name]
	started := r.started
	pool := r.pool
	r.mu.RUnlock()

	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown node %q", errors.ErrInvalidConfig, name),
			"Runtime", "Inject", "node lookup")
	}
	if _, ok := component.AsInput(mc.Component); !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: node %q accepts no input", errors.ErrInvalidConfig, name),
			"Runtime", "Inject", "input check")
	}
	if !started {
		return errors.WrapTransient(errors.ErrNotStarted, "Runtime", "Inject", "check state")
	}
	if err := pool.SubmitWait(ctx, delivery{target: name, msg: msg}); err != nil {
		return errors.WrapTransient(err, "Runtime", "Inject", "enqueue message")
	}
	return nil
}

// emitterFor routes a node's output to its taps and wired targets.
func (r *Runtime) emitterFor(name string) component.Emitter {
	return component.EmitterFunc(func(ctx context.Context, port int, msg *message.Message) error {
		r.notifyTaps(name, port, msg)

		r.mu.RLock()
		var targets []string
		if wires := r.wires[name]; port >= 0 && port < len(wires) {
			targets = wires[port]
		}
		pool := r.pool
		r.mu.RUnlock()

		var errs []error
		for i, target := range targets {
			out := msg
			if i > 0 {
				cp := *msg
				out = &cp
			}
			if err := pool.SubmitWait(ctx, delivery{target: target, msg: out}); err != nil {
				errs = append(errs, fmt.Errorf("deliver to %s: %w", target, err))
			}
		}
		if len(errs) > 0 {
			return errors.WrapTransient(stderrors.Join(errs...), "Runtime", "Emit", fmt.Sprintf("route %s port %d", name, port))
		}
		return nil
	})
}

// deliver runs on the pool and hands one message to its target's input.
func (r *Runtime) deliver(ctx context.Context, d delivery) error {
	r.mu.RLock()
	mc, ok := r.nodes[d.target]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown node %q", d.target)
	}

	in, ok := component.AsInput(mc.Component)
	if !ok {
		return fmt.Errorf("node %q accepts no input", d.target)
	}
	if err := in.Process(ctx, d.msg); err != nil {
		r.logger.Debug("Node failed to process message", "node", d.target, "message_id", d.msg.ID, "error", err)
		return err
	}
	return nil
}

// Tap registers fn to observe every message the named node emits. The
// returned function removes the tap.
func (r *Runtime) Tap(name string, fn TapFunc) (func(), error) {
	r.mu.RLock()
	_, ok := r.nodes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown node %q", errors.ErrInvalidConfig, name),
			"Runtime", "Tap", "node lookup")
	}

	id := r.nextTap.Add(1)
	r.tapMu.Lock()
	if r.taps[name] == nil {
		r.taps[name] = make(map[uint64]TapFunc)
	}
	r.taps[name][id] = fn
	r.tapMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.tapMu.Lock()
			delete(r.taps[name], id)
			r.tapMu.Unlock()
		})
	}, nil
}

func (r *Runtime) notifyTaps(name string, port int, msg *message.Message) {
	r.tapMu.RLock()
	fns := make([]TapFunc, 0, len(r.taps[name]))
	for _, fn := range r.taps[name] {
		fns = append(fns, fn)
	}
	r.tapMu.RUnlock()

	for _, fn := range fns {
		fn(name, port, msg)
	}
}

// reportHealth pushes every node's health to the monitor until ctx ends.
func (r *Runtime) reportHealth(ctx context.Context, done chan struct{}) {
	defer close(done)
	if r.monitor == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()
	r.pushHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pushHealth()
		}
	}
}

func (r *Runtime) pushHealth() {
	for _, n := range r.Nodes() {
		r.monitor.Update("node/"+n.Name, n.Health.Report("node/"+n.Name))
	}
}

// NodeStatus describes one node for operators.
type NodeStatus struct {
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	State    string                 `json:"state"`
	Input    bool                   `json:"input"`
	Outputs  []component.Port       `json:"outputs"`
	Wires    [][]string             `json:"wires,omitempty"`
	Binding  flowgraph.Binding      `json:"binding"`
	Health   component.HealthStatus `json:"health"`
	DataFlow component.FlowMetrics  `json:"data_flow"`
	Error    string                 `json:"error,omitempty"`
}

// Nodes returns the status of every node in start order.
func (r *Runtime) Nodes() []NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graphNodes := r.graph.Nodes()
	out := make([]NodeStatus, 0, len(r.order))
	for _, name := range r.order {
		mc := r.nodes[name]
		gn := graphNodes[name]
		st := NodeStatus{
			Name:     name,
			Type:     mc.Component.Meta().Type,
			State:    mc.State.String(),
			Input:    gn.HasInput,
			Outputs:  gn.OutputPorts,
			Wires:    slices.Clone(r.wires[name]),
			Binding:  gn.Binding,
			Health:   mc.Component.Health(),
			DataFlow: mc.Component.DataFlow(),
		}
		if mc.LastError != nil {
			st.Error = health.Sanitize(mc.LastError.Error())
		}
		out = append(out, st)
	}
	return out
}

// Node returns the named node.
func (r *Runtime) Node(name string) (component.Discoverable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mc, ok := r.nodes[name]
	if !ok {
		return nil, false
	}
	return mc.Component, true
}

// Analyze reports how the nodes are connected, by wires and by key expression.
func (r *Runtime) Analyze() *flowgraph.AnalysisResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph.AnalyzeConnectivity()
}

// Stats returns delivery pool statistics.
func (r *Runtime) Stats() worker.PoolStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pool.Stats()
}

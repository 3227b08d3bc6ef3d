// Package coord runs management operations across the domain: it routes an
// operation, fans it out to host controllers, rolls the derived server
// operations out to managed servers and drives every prepared participant to
// one commit or rollback verdict.
package coord

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/clock"
	"pkt.systems/domainctl/internal/content"
	"pkt.systems/domainctl/internal/correlation"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/participant"
	"pkt.systems/domainctl/internal/routing"
	"pkt.systems/domainctl/internal/svcfields"
)

const (
	// DefaultDecisionTimeout bounds how long a prepared participant waits for
	// the verdict before rolling back on its own.
	DefaultDecisionTimeout = 5 * time.Minute
	// DefaultFinalizeWait bounds how long Execute waits for participants to
	// apply the verdict before reporting.
	DefaultFinalizeWait = 30 * time.Second
)

// Directory resolves participants by identity.
type Directory interface {
	// Hosts lists every registered host, local host included.
	Hosts() []string
	// HostProxy returns the proxy of a host controller.
	HostProxy(host string) (participant.Proxy, bool)
	// ServerProxy returns the proxy of a managed server.
	ServerProxy(id mgmt.ParticipantID) (participant.Proxy, bool)
}

// Config configures a Coordinator.
type Config struct {
	// Host is the name of the local host controller.
	Host     string
	IsMaster bool
	// Master, when set, is consulted on every execution instead of IsMaster
	// so a topology reload can move the domain coordinator.
	Master   func() bool
	Registry routing.Registry
	Dir      Directory
	// Content stores deployment payloads before dispatch. Operations with
	// raw payloads fail when it is nil.
	Content content.Storer
	Pool    *participant.Pool
	Clock   clock.Clock
	// DecisionTimeout is handed to every participant task. Negative disables
	// it; zero selects DefaultDecisionTimeout.
	DecisionTimeout time.Duration
	FinalizeWait    time.Duration
	Logger          pslog.Logger
}

// Coordinator executes operations on behalf of one host controller.
type Coordinator struct {
	host            string
	master          func() bool
	registry        routing.Registry
	dir             Directory
	content         content.Storer
	pool            *participant.Pool
	clock           clock.Clock
	decisionTimeout time.Duration
	finalizeWait    time.Duration
	logger          pslog.Logger
	tracer          trace.Tracer
	metrics         *coordMetrics
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Host == "" {
		return nil, errors.New("coord: host required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("coord: registry required")
	}
	if cfg.Dir == nil {
		return nil, errors.New("coord: directory required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	pool := cfg.Pool
	if pool == nil {
		pool = participant.NewPool(participant.DefaultPoolSize, logger)
	}
	decisionTimeout := cfg.DecisionTimeout
	switch {
	case decisionTimeout == 0:
		decisionTimeout = DefaultDecisionTimeout
	case decisionTimeout < 0:
		decisionTimeout = 0
	}
	finalizeWait := cfg.FinalizeWait
	if finalizeWait <= 0 {
		finalizeWait = DefaultFinalizeWait
	}
	master := cfg.Master
	if master == nil {
		isMaster := cfg.IsMaster
		master = func() bool { return isMaster }
	}
	logger = svcfields.WithSubsystem(logger, "coord").With("host", cfg.Host)
	return &Coordinator{
		host:            cfg.Host,
		master:          master,
		registry:        cfg.Registry,
		dir:             cfg.Dir,
		content:         cfg.Content,
		pool:            pool,
		clock:           clock.OrReal(cfg.Clock),
		decisionTimeout: decisionTimeout,
		finalizeWait:    finalizeWait,
		logger:          logger,
		tracer:          otel.Tracer("pkt.systems/domainctl/coord"),
		metrics:         newCoordMetrics(logger),
	}, nil
}

// Pool returns the worker pool shared by every execution.
func (c *Coordinator) Pool() *participant.Pool { return c.pool }

// Execute runs op and returns its final result. Every failure is reported
// inside the result.
func (c *Coordinator) Execute(ctx context.Context, op mgmt.Operation) mgmt.Result {
	begin := c.clock.Now()
	ctx, opID := correlation.Ensure(ctx)
	ctx, span := c.tracer.Start(ctx, "domainctl.coord.execute", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("domainctl.operation", op.Name),
		attribute.String("domainctl.address", op.Address.String()),
		attribute.String("domainctl.op_id", opID),
	)
	logger := c.logger.With("op_id", opID, "operation", op.Name, "address", op.Address.String())
	ctx = pslog.ContextWithLogger(ctx, logger)

	route, err := routing.Classify(op, routing.Local{Host: c.host, IsMaster: c.master()}, c.registry, c.dir.Hosts())
	var res mgmt.Result
	routeLabel := "rejected"
	if err != nil {
		logger.Debug("coord.route.rejected", "error", err)
		res = mgmt.FailedResult(err)
	} else {
		routeLabel = route.Kind.String()
		span.SetAttributes(attribute.String("domainctl.route", routeLabel))
		logger.Trace("coord.route", "kind", route.Kind.String(), "target", route.Host, "hosts", route.Hosts)
		switch route.Kind {
		case routing.LocalOnly:
			res = c.executeLocal(ctx, logger, op)
		case routing.SingleHost:
			res = c.forward(ctx, logger, route.Host, op)
		default:
			res = c.executeTwoPhase(ctx, logger, route.Hosts, op)
		}
	}

	elapsed := c.clock.Now().Sub(begin)
	c.metrics.recordExecute(ctx, routeLabel, res, elapsed)
	if res.IsFailed() {
		span.SetStatus(codes.Error, string(res.FailureKind))
		logger.Debug("coord.execute.failed", "kind", res.FailureKind, "failure", res.FailureDescription, "elapsed", elapsed)
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Debug("coord.execute.success", "elapsed", elapsed)
	}
	return res
}

// substitute stores raw payloads and returns an operation that carries
// hashes only.
func (c *Coordinator) substitute(ctx context.Context, op mgmt.Operation) (mgmt.Operation, error) {
	if !op.HasPayloadContent() {
		out := op.Clone()
		out.Attachments = nil
		return out, nil
	}
	if c.content == nil {
		return mgmt.Operation{}, &mgmt.ContentStorageError{Err: errors.New("no content repository configured")}
	}
	return content.Substitute(ctx, c.content, op)
}

// executeLocal applies op on the local host controller and pushes the
// derived server operations without coordination.
func (c *Coordinator) executeLocal(ctx context.Context, logger pslog.Logger, op mgmt.Operation) mgmt.Result {
	op, err := c.substitute(ctx, op)
	if err != nil {
		return mgmt.FailedResult(err)
	}
	proxy, ok := c.dir.HostProxy(c.host)
	if !ok {
		return mgmt.FailedResult(mgmt.NewRoutingError(mgmt.CodeUnknownHost, "local host %s is not registered", c.host))
	}
	direct, ok := proxy.(participant.DirectExecutor)
	if !ok {
		return mgmt.FailedResult(&mgmt.ParticipantError{ID: proxy.ID(), Kind: mgmt.FailureParticipant, Err: errors.New("local host cannot execute directly")})
	}
	res, err := direct.ExecuteDirect(ctx, op)
	if err != nil {
		return mgmt.FailedResult(err)
	}
	if res.IsFailed() || len(res.ServerOperations) == 0 {
		return res
	}
	res.ServerGroups = c.pushDirect(ctx, logger, res.ServerOperations)
	return res
}

// pushDirect executes server operations one server at a time without a
// transaction spanning the servers.
func (c *Coordinator) pushDirect(ctx context.Context, logger pslog.Logger, groups []mgmt.ServerOperationGroup) []mgmt.ServerGroupResult {
	byGroup := make(map[string]*mgmt.ServerGroupResult)
	var order []string
	for _, g := range groups {
		for _, id := range g.Servers {
			sg, ok := byGroup[id.Group]
			if !ok {
				sg = &mgmt.ServerGroupResult{Group: id.Group, Servers: make(map[mgmt.ParticipantID]mgmt.Result)}
				byGroup[id.Group] = sg
				order = append(order, id.Group)
			}
			sg.Servers[id] = c.directServer(ctx, id, g.Operation)
			if sg.Servers[id].IsFailed() {
				logger.Warn("coord.server.direct.failed", "server", id.String(), "failure", sg.Servers[id].FailureDescription)
			}
		}
	}
	out := make([]mgmt.ServerGroupResult, 0, len(order))
	for _, name := range order {
		out = append(out, *byGroup[name])
	}
	return out
}

func (c *Coordinator) directServer(ctx context.Context, id mgmt.ParticipantID, op mgmt.Operation) mgmt.Result {
	proxy, ok := c.dir.ServerProxy(id)
	if !ok {
		return mgmt.FailedResult(&mgmt.RolloutUnsupportedError{Servers: []mgmt.ParticipantID{id}})
	}
	direct, ok := proxy.(participant.DirectExecutor)
	if !ok {
		return mgmt.FailedResult(&mgmt.RolloutUnsupportedError{Servers: []mgmt.ParticipantID{id}})
	}
	res, err := direct.ExecuteDirect(ctx, op)
	if err != nil {
		return mgmt.FailedResult(err)
	}
	return res
}

// forward hands op to the one remote host it addresses. The remote executes
// and commits it on its own.
func (c *Coordinator) forward(ctx context.Context, logger pslog.Logger, host string, op mgmt.Operation) mgmt.Result {
	op, err := c.substitute(ctx, op)
	if err != nil {
		return mgmt.FailedResult(err)
	}
	proxy, ok := c.dir.HostProxy(host)
	if !ok {
		return mgmt.FailedResult(mgmt.NewRoutingError(mgmt.CodeUnknownHost, "host %s is not registered", host))
	}
	direct, ok := proxy.(participant.DirectExecutor)
	if !ok {
		return mgmt.FailedResult(&mgmt.ParticipantError{ID: proxy.ID(), Kind: mgmt.FailureParticipant, Err: errors.New("host does not accept forwarded operations")})
	}
	logger.Trace("coord.forward", "target", host)
	res, err := direct.ExecuteDirect(ctx, op)
	if err != nil {
		return mgmt.FailedResult(err)
	}
	return res
}

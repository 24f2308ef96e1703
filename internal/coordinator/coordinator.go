// Package coordinator orchestrates unified request processing: normalize,
// deduplicate against the state store, order the transports by health, and
// fall forward between them until one succeeds.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/health"
	"github.com/guildworks/guildrelay/internal/opkey"
	"github.com/guildworks/guildrelay/internal/state"
	"github.com/guildworks/guildrelay/internal/transport"
)

// Config holds the coordinator tunables, environment-supplied.
type Config struct {
	// DefaultTimeout bounds a single transport attempt when the request
	// does not carry its own timeout.
	DefaultTimeout time.Duration
	// OverallTimeout caps the whole fallback chain so worst-case latency
	// stays bounded even when every transport runs out its attempt budget.
	OverallTimeout time.Duration
	// AcquireTTL is the retention window for operation state, covering
	// both the in-flight lock and the idempotent-replay window.
	AcquireTTL time.Duration
	// MaxRetries is handed to queue workers for their own retry budget.
	MaxRetries int
	// ReplayCacheSize bounds the in-process cache of completed responses.
	ReplayCacheSize int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  5 * time.Second,
		OverallTimeout:  30 * time.Second,
		AcquireTTL:      5 * time.Minute,
		MaxRetries:      2,
		ReplayCacheSize: 1024,
	}
}

// Archiver records finished operations for the dashboard's history view.
// Failures are logged, never surfaced to callers.
type Archiver interface {
	Record(ctx context.Context, op *domain.OperationState) error
}

// Coordinator is the sole entry point for routing an operation to the bot
// process. Construct with New and share freely across goroutines.
type Coordinator struct {
	store      state.Store
	tracker    *health.Tracker
	transports map[domain.Protocol]transport.Transport
	cfg        Config
	logger     *slog.Logger
	archive    Archiver
	replay     *lru.LRU[string, *domain.UnifiedResponse]
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithArchiver enables fire-and-forget archiving of finished operations.
func WithArchiver(a Archiver) Option {
	return func(c *Coordinator) { c.archive = a }
}

// WithConfig overrides the default tunables.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		def := DefaultConfig()
		if cfg.DefaultTimeout <= 0 {
			cfg.DefaultTimeout = def.DefaultTimeout
		}
		if cfg.OverallTimeout <= 0 {
			cfg.OverallTimeout = def.OverallTimeout
		}
		if cfg.AcquireTTL <= 0 {
			cfg.AcquireTTL = def.AcquireTTL
		}
		if cfg.ReplayCacheSize <= 0 {
			cfg.ReplayCacheSize = def.ReplayCacheSize
		}
		c.cfg = cfg
	}
}

// New creates a coordinator over the given store, health tracker, and
// transports. Transport order at attempt time comes from the tracker, not
// from the slice order here.
func New(store state.Store, tracker *health.Tracker, transports []transport.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		tracker:    tracker,
		transports: make(map[domain.Protocol]transport.Transport, len(transports)),
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
	}
	for _, t := range transports {
		c.transports[t.Name()] = t
	}
	for _, opt := range opts {
		opt(c)
	}
	// Replay entries expire with the state retention window so the cache
	// never outlives the durable record it mirrors.
	c.replay = lru.NewLRU[string, *domain.UnifiedResponse](c.cfg.ReplayCacheSize, nil, c.cfg.AcquireTTL)
	return c
}

// ProcessRequest routes one request. Every outcome resolves to a
// UnifiedResponse: validation failures, conflicts, and total transport
// failure all come back as success=false with an error code. The call
// returns within the effective deadline.
func (c *Coordinator) ProcessRequest(ctx context.Context, req *domain.UnifiedRequest) *domain.UnifiedResponse {
	start := time.Now()

	norm, err := c.normalize(req)
	if err != nil {
		return c.failure(norm, req, domain.CodeValidation, err, start)
	}

	log := c.logger.With(
		slog.String("request_id", norm.ID),
		slog.String("type", norm.Type),
		slog.String("guild_id", norm.GuildID),
		slog.String("operation_key", norm.OperationKey))

	// Fast path: a completed duplicate still in the in-process cache.
	if cached, ok := c.replay.Get(norm.OperationKey); ok {
		log.Debug("replayed from cache", slog.String("method", string(cached.Method)))
		return cached
	}

	dedup, err := c.store.TryAcquire(ctx, norm.OperationKey, norm.ID, c.cfg.AcquireTTL, state.AcquireMeta{
		Type:       norm.Type,
		GuildID:    norm.GuildID,
		MaxRetries: c.cfg.MaxRetries,
	})
	if err != nil {
		log.Error("state store unavailable", slog.String("error", err.Error()))
		return c.failure(norm, req, domain.CodeInternal,
			fmt.Errorf("acquire operation state: %w", err), start)
	}

	if dedup.IsDuplicate {
		if dedup.ExistingResult != nil {
			log.Info("idempotent replay",
				slog.String("original_id", dedup.ExistingID),
				slog.String("method", string(dedup.ExistingResult.Method)))
			return dedup.ExistingResult
		}
		conflict := &domain.ConflictError{
			Key:         norm.OperationKey,
			OperationID: dedup.ExistingID,
			Reason:      dedup.ConflictReason,
		}
		log.Info("rejected concurrent duplicate", slog.String("in_flight_id", dedup.ExistingID))
		return c.failure(norm, req, domain.CodeConflict, conflict, start)
	}

	if err := c.store.Transition(ctx, norm.ID, domain.StatusProcessing, state.Patch{}); err != nil {
		log.Warn("transition to processing failed", slog.String("error", err.Error()))
	}

	resp := c.execute(ctx, norm, log, start)

	if resp.Success {
		c.replay.Add(norm.OperationKey, resp)
	}
	c.recordOutcome(norm, resp, log)
	return resp
}

// execute walks the health-ordered transports, falling forward on failure.
func (c *Coordinator) execute(ctx context.Context, norm *domain.NormalizedRequest, log *slog.Logger, start time.Time) *domain.UnifiedResponse {
	overall, cancel := context.WithTimeout(ctx, c.cfg.OverallTimeout)
	defer cancel()

	var attempts []domain.AttemptError
	for _, proto := range c.tracker.Ordered(norm) {
		tr, ok := c.transports[proto]
		if !ok {
			continue
		}
		if overall.Err() != nil {
			attempts = append(attempts, domain.AttemptError{Method: proto, Err: overall.Err()})
			break
		}
		if !c.tracker.Admit(proto) {
			attempts = append(attempts, domain.AttemptError{Method: proto, Err: &domain.CircuitOpenError{Protocol: proto}})
			continue
		}

		attemptCtx, cancelAttempt := context.WithTimeout(overall, norm.Timeout)
		attemptStart := time.Now()
		resp, err := tr.Execute(attemptCtx, norm)
		cancelAttempt()

		if err == nil {
			c.tracker.RecordSuccess(proto, time.Since(attemptStart))
			resp.Method = proto
			resp.ExecutionTimeMS = time.Since(start).Milliseconds()
			log.Info("request served",
				slog.String("method", string(proto)),
				slog.Int64("execution_ms", resp.ExecutionTimeMS),
				slog.Int("fallbacks", len(attempts)))
			return resp
		}

		c.tracker.RecordFailure(proto)
		attempts = append(attempts, domain.AttemptError{Method: proto, Err: err})
		log.Warn("transport attempt failed",
			slog.String("method", string(proto)),
			slog.String("error", err.Error()))
	}

	aggErr := &domain.AllTransportsFailedError{Attempts: attempts}
	log.Error("all transports failed", slog.Int("attempts", len(attempts)))
	return &domain.UnifiedResponse{
		Success:         false,
		RequestID:       norm.ID,
		Error:           aggErr.Error(),
		ErrorCode:       domain.CodeAllTransportsFailed,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Timestamp:       time.Now().UTC(),
	}
}

// recordOutcome writes the terminal state and archives it. The queue
// transport's worker owns the terminal write on its path, so a queue win
// (or a queue-final failure) is not transitioned again here.
func (c *Coordinator) recordOutcome(norm *domain.NormalizedRequest, resp *domain.UnifiedResponse, log *slog.Logger) {
	// Detached from the request context: the caller may be gone, but the
	// durable record still has to reflect the outcome.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The queue worker may already hold the terminal write for its path.
	cur, err := c.store.Get(ctx, norm.ID)
	if err == nil && !cur.Status.Terminal() {
		if resp.Success {
			if err := c.store.Transition(ctx, norm.ID, domain.StatusCompleted, state.Patch{Result: resp}); err != nil {
				log.Warn("record completion failed", slog.String("error", err.Error()))
			}
		} else {
			// The response is stored alongside the error so a duplicate
			// arriving within the dedup window replays the failure instead
			// of reporting a conflict.
			if err := c.store.Transition(ctx, norm.ID, domain.StatusFailed, state.Patch{Result: resp, Error: resp.Error}); err != nil {
				log.Warn("record failure failed", slog.String("error", err.Error()))
			}
		}
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Warn("state lookup failed", slog.String("error", err.Error()))
	}

	if c.archive == nil {
		return
	}
	op, err := c.store.Get(ctx, norm.ID)
	if err != nil {
		return
	}
	if err := c.archive.Record(ctx, op); err != nil {
		log.Warn("archive write failed", slog.String("error", err.Error()))
	}
}

// normalize resolves optional fields and derives the operation key. The
// partially filled request is returned even on validation failure so the
// failure response can carry an id.
func (c *Coordinator) normalize(req *domain.UnifiedRequest) (*domain.NormalizedRequest, error) {
	norm := &domain.NormalizedRequest{
		ID:                  req.ID,
		Type:                req.Type,
		Data:                req.Data,
		Source:              req.Source,
		UserID:              req.UserID,
		GuildID:             req.GuildID,
		Timestamp:           req.Timestamp,
		Priority:            req.Priority,
		RequiresRealTime:    req.RequiresRealTime,
		RequiresReliability: req.RequiresReliability,
		Metadata:            req.Metadata,
		Timeout:             time.Duration(req.TimeoutMS) * time.Millisecond,
	}

	if norm.ID == "" {
		norm.ID = uuid.New().String()
	}
	if norm.Timestamp.IsZero() {
		norm.Timestamp = time.Now().UTC()
	}
	if norm.Source == "" {
		norm.Source = domain.SourceInternal
	}
	if norm.Priority == "" {
		norm.Priority = domain.PriorityNormal
	} else if !domain.ValidPriority(norm.Priority) {
		return norm, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("has unknown value %q", norm.Priority)}
	}
	if norm.Timeout <= 0 {
		norm.Timeout = c.cfg.DefaultTimeout
	}

	key, err := opkey.Derive(norm)
	if err != nil {
		return norm, err
	}
	norm.OperationKey = key
	return norm, nil
}

func (c *Coordinator) failure(norm *domain.NormalizedRequest, req *domain.UnifiedRequest, code string, err error, start time.Time) *domain.UnifiedResponse {
	id := req.ID
	if norm != nil && norm.ID != "" {
		id = norm.ID
	}
	return &domain.UnifiedResponse{
		Success:         false,
		RequestID:       id,
		Error:           err.Error(),
		ErrorCode:       code,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Timestamp:       time.Now().UTC(),
	}
}

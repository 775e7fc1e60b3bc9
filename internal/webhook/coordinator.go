package webhook

import (
	"context"
	"crypto/subtle"
	"log/slog"

	"github.com/google/uuid"

	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

// Waker wakes a run's actor after a signal lands in its queue. The engine's
// implementation is idempotent and recovers suspended runs on demand.
type Waker interface {
	WakeUp(ctx context.Context, runID string) error
}

// WakerFunc adapts a function to Waker. Lets the coordinator be constructed
// before the engine that will serve its wakes.
type WakerFunc func(ctx context.Context, runID string) error

func (f WakerFunc) WakeUp(ctx context.Context, runID string) error { return f(ctx, runID) }

// Action classifies the outcome of one delivery.
type Action string

const (
	ActionResumed  Action = "resumed"
	ActionNotFound Action = "not_found"
	ActionQueued   Action = "queued"
	ActionIgnored  Action = "ignored"
)

// Envelope is the response body for every processed delivery. Callers always
// get HTTP 200 with one of these; rejection is data, not an error status.
// Verification echoes carry only Challenge.
type Envelope struct {
	Received   bool   `json:"received,omitempty"`
	Action     Action `json:"action,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	RunID      string `json:"runId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Challenge  string `json:"challenge,omitempty"`
}

// Coordinator runs the delivery protocol: handler parse, registration
// lookup, token matrix, admission gate, atomic claim, enqueue and wake.
type Coordinator struct {
	store  store.Store
	brains *brain.Registry
	waker  Waker
	logger *slog.Logger

	// form serves every slug without a registered handler.
	form FormHandler
}

// NewCoordinator wires the coordinator. waker may be nil in tests; resumed
// signals then sit queued until the actor's next tick.
func NewCoordinator(st store.Store, brains *brain.Registry, waker Waker, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  st,
		brains: brains,
		waker:  waker,
		logger: logger,
	}
}

// Deliver processes one inbound request. A returned error means the request
// itself was unusable (malformed body, storage failure); every decision the
// protocol makes (resumed, not_found, queued, ignored) is an Envelope.
func (c *Coordinator) Deliver(ctx context.Context, req *brain.WebhookRequest) (*Envelope, error) {
	handler, user := c.brains.Handler(req.Slug)
	if !user {
		handler = &c.form
	}

	res, err := handler.HandleWebhook(ctx, req)
	if err != nil {
		return nil, err
	}

	if res.Challenge != "" {
		c.logger.InfoContext(ctx, "webhook verification challenge echoed", "slug", req.Slug)
		return &Envelope{Challenge: res.Challenge}, nil
	}

	if res.Skip {
		reason := res.Reason
		if reason == "" {
			reason = "skipped by handler"
		}
		return &Envelope{Received: true, Action: ActionIgnored, Reason: reason}, nil
	}

	if res.Identifier == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput,
			"webhook %q: handler produced no identifier", req.Slug)
	}

	return c.dispatch(ctx, req.Slug, res.Identifier, req.Token, res.Response, user)
}

// dispatch runs steps 2-6 of the protocol for an extracted delivery.
// queueOnMiss distinguishes user webhooks (early deliveries queue) from the
// system form flow (no waiting run means not_found).
func (c *Coordinator) dispatch(ctx context.Context, slug, identifier, submittedToken string, response []byte, queueOnMiss bool) (*Envelope, error) {
	reg, err := c.store.FindWaiting(ctx, slug, identifier)
	if err != nil {
		return nil, err
	}

	if reg == nil {
		if queueOnMiss {
			d := &store.QueuedDelivery{
				ID:         uuid.NewString(),
				Slug:       slug,
				Identifier: identifier,
				Response:   response,
			}
			if err := c.store.QueueDelivery(ctx, d); err != nil {
				return nil, err
			}
			c.logger.InfoContext(ctx, "webhook queued until a run waits",
				"slug", slug, "identifier", identifier)
			return &Envelope{Received: true, Action: ActionQueued, Identifier: identifier}, nil
		}
		return &Envelope{Received: true, Action: ActionNotFound, Identifier: identifier}, nil
	}

	if !tokenMatches(reg.Token, submittedToken) {
		c.logger.WarnContext(ctx, "webhook rejected by token matrix",
			"slug", slug, "identifier", identifier, "run_id", reg.RunID)
		return &Envelope{Received: true, Action: ActionIgnored, Identifier: identifier,
			Reason: "Invalid form token"}, nil
	}

	run, err := c.store.GetRun(ctx, reg.RunID)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeNotFound {
			// Stale registration for a deleted run.
			_ = c.store.ClearWaiting(ctx, reg.RunID)
			return &Envelope{Received: true, Action: ActionNotFound, Identifier: identifier}, nil
		}
		return nil, err
	}

	if adm := schema.IsSignalValid(run.Status, schema.SignalWebhookResponse); !adm.Valid {
		return &Envelope{Received: true, Action: ActionIgnored, Identifier: identifier,
			RunID: reg.RunID, Reason: adm.Reason}, nil
	}

	// Of N concurrent deliveries for the same key, exactly one claims the
	// registration; the rest see it already gone.
	claimed, err := c.store.ClaimWaiting(ctx, slug, identifier, reg.RunID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &Envelope{Received: true, Action: ActionNotFound, Identifier: identifier,
			Reason: "registration already claimed"}, nil
	}

	sig := schema.WebhookSignal(slug, identifier, response)
	if err := c.store.QueueSignal(ctx, reg.RunID, sig); err != nil {
		return nil, err
	}

	if c.waker != nil {
		if err := c.waker.WakeUp(ctx, reg.RunID); err != nil {
			// Signal is queued; recovery or the next tick picks it up.
			c.logger.WarnContext(ctx, "webhook wake failed",
				"run_id", reg.RunID, "error", err)
		}
	}

	c.logger.InfoContext(ctx, "webhook resumed run",
		"slug", slug, "identifier", identifier, "run_id", reg.RunID)
	return &Envelope{Received: true, Action: ActionResumed, Identifier: identifier, RunID: reg.RunID}, nil
}

// RegisterWaiting records that runID waits on (slug, identifier), superseding
// any previous registration for the key, then drains deliveries that arrived
// early. The first admissible drained delivery resumes the run; once it does,
// later ones are duplicates for a consumed wait and are dropped.
func (c *Coordinator) RegisterWaiting(ctx context.Context, slug, identifier, runID, token string) error {
	reg := &store.WaitingRegistration{
		Slug:       slug,
		Identifier: identifier,
		RunID:      runID,
		Token:      token,
	}
	if err := c.store.RegisterWaiting(ctx, reg); err != nil {
		return err
	}

	deliveries, err := c.store.TakeDeliveries(ctx, slug, identifier)
	if err != nil {
		return err
	}

	for i, d := range deliveries {
		env, err := c.dispatch(ctx, slug, identifier, "", d.Response, false)
		if err != nil {
			return err
		}
		if env.Action == ActionResumed {
			if dropped := len(deliveries) - i - 1; dropped > 0 {
				c.logger.WarnContext(ctx, "dropping extra queued deliveries",
					"slug", slug, "identifier", identifier, "count", dropped)
			}
			return nil
		}
	}
	return nil
}

// ClearWaiting removes every registration held by runID. Called when a run
// resumes, is cancelled, or times out.
func (c *Coordinator) ClearWaiting(ctx context.Context, runID string) error {
	return c.store.ClearWaiting(ctx, runID)
}

// NewToken mints a single-use form token for a FormToken wait.
func NewToken() string {
	return uuid.NewString()
}

// tokenMatches implements the CSRF matrix: both absent accepts, both present
// and equal accepts, anything else rejects. Comparison is constant-time.
func tokenMatches(stored, submitted string) bool {
	if stored == "" && submitted == "" {
		return true
	}
	if stored == "" || submitted == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(submitted)) == 1
}

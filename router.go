package conductor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultResultConfidence is assigned to a successful backend response that
// does not report its own confidence.
const DefaultResultConfidence = 0.7

// StageCall describes one request for the router to execute.
type StageCall struct {
	WorkflowID string
	StageID    string
	Capability string
	Domain     string
	Payload    map[string]any

	// PerCandidateTimeout is the hard deadline for each backend call.
	PerCandidateTimeout time.Duration

	// Ceiling bounds the total wall clock spent on all candidates for this
	// stage. When it fires, remaining candidates are recorded NotAttempted
	// and the degraded path runs. Zero means no ceiling.
	Ceiling time.Duration
}

// StageExecutor executes one stage call. Implemented by Router; schedulers
// accept the interface so tests can substitute deterministic stubs.
type StageExecutor interface {
	Execute(ctx context.Context, call StageCall) (*StageResult, []BackendAttempt, error)
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Registry          *Registry
	Synthesizers      []Synthesizer
	HTTPClient        *http.Client
	Logger            *slog.Logger
	AttemptLogger     AttemptLogger
	DefaultConfidence float64
}

// Router selects backend candidates for a capability and executes them in
// order with a per-candidate timeout until one succeeds or the list is
// exhausted, in which case it synthesizes a degraded result locally.
// Ordinary backend failure never surfaces to the caller as an error: it
// surfaces only as degraded=true. The returned error is reserved for a
// capability with no registered synthesizer.
type Router struct {
	registry          *Registry
	synthesizers      map[string]Synthesizer
	client            *http.Client
	logger            *slog.Logger
	attemptLogger     AttemptLogger
	defaultConfidence float64
}

// NewRouter creates a Router.
func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.AttemptLogger == nil {
		opts.AttemptLogger = NewNullAttemptLogger()
	}
	if opts.DefaultConfidence <= 0 {
		opts.DefaultConfidence = DefaultResultConfidence
	}
	synthesizers := make(map[string]Synthesizer, len(opts.Synthesizers))
	for _, synthesizer := range opts.Synthesizers {
		synthesizers[synthesizer.Capability()] = synthesizer
	}
	return &Router{
		registry:          opts.Registry,
		synthesizers:      synthesizers,
		client:            opts.HTTPClient,
		logger:            opts.Logger,
		attemptLogger:     opts.AttemptLogger,
		defaultConfidence: opts.DefaultConfidence,
	}, nil
}

// RegisterSynthesizer adds a degraded-synthesis handler, replacing any prior
// handler for the same capability.
func (r *Router) RegisterSynthesizer(synthesizer Synthesizer) {
	r.synthesizers[synthesizer.Capability()] = synthesizer
}

// backendRequest is the wire format sent to capability providers.
type backendRequest struct {
	Context        map[string]any `json:"requirement_or_context"`
	DomainHint     string         `json:"domain_hint,omitempty"`
	WorkflowSource string         `json:"workflow_source"`
}

// Execute runs the fallback chain for one stage call.
func (r *Router) Execute(ctx context.Context, call StageCall) (*StageResult, []BackendAttempt, error) {
	if call.Ceiling > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Ceiling)
		defer cancel()
	}

	candidates := r.registry.Candidates(call.Capability, call.Domain)
	attempts := make([]BackendAttempt, 0, len(candidates))

	for i, candidate := range candidates {
		if ctx.Err() != nil {
			// Ceiling reached or workflow cancelled: record the rest as
			// untouched and take the degraded path.
			for _, remaining := range candidates[i:] {
				attempts = append(attempts, r.recordAttempt(ctx, call, BackendAttempt{
					Candidate: remaining.Name,
					Outcome:   AttemptOutcomeNotAttempted,
					StartTime: time.Now(),
				}))
			}
			break
		}

		attempt := r.callCandidate(ctx, call, candidate)
		attempts = append(attempts, r.recordAttempt(ctx, call, attempt))

		if attempt.Outcome == AttemptOutcomeSuccess {
			result := &StageResult{
				StageID:    call.StageID,
				Succeeded:  true,
				Payload:    attempt.Response,
				Confidence: r.responseConfidence(attempt.Response),
			}
			r.logger.Debug("stage call succeeded",
				"stage", call.StageID,
				"capability", call.Capability,
				"backend", candidate.Name,
				"attempts", len(attempts))
			return result, attempts, nil
		}

		r.logger.Warn("backend attempt failed, trying next candidate",
			"stage", call.StageID,
			"capability", call.Capability,
			"backend", candidate.Name,
			"outcome", attempt.Outcome,
			"detail", attempt.ErrorDetail)
	}

	result, err := r.synthesize(ctx, call)
	if err != nil {
		return nil, attempts, err
	}
	r.logger.Info("all candidates exhausted, synthesized degraded result",
		"stage", call.StageID,
		"capability", call.Capability,
		"candidates", len(candidates))
	return result, attempts, nil
}

// callCandidate issues one HTTP call with a hard per-candidate deadline and
// classifies the outcome.
func (r *Router) callCandidate(ctx context.Context, call StageCall, candidate *BackendCandidate) BackendAttempt {
	attempt := BackendAttempt{
		Candidate: candidate.Name,
		StartTime: time.Now(),
	}

	timeout := call.PerCandidateTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(backendRequest{
		Context:        call.Payload,
		DomainHint:     call.Domain,
		WorkflowSource: call.WorkflowID,
	})
	if err != nil {
		attempt.Outcome = AttemptOutcomeError
		attempt.ErrorDetail = err.Error()
		attempt.Latency = time.Since(attempt.StartTime)
		return attempt
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, candidate.Endpoint, bytes.NewReader(body))
	if err != nil {
		attempt.Outcome = AttemptOutcomeError
		attempt.ErrorDetail = err.Error()
		attempt.Latency = time.Since(attempt.StartTime)
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	attempt.Latency = time.Since(attempt.StartTime)
	if err != nil {
		if Classify(err).Type == ErrorTypeTimeout {
			attempt.Outcome = AttemptOutcomeTimeout
		} else {
			attempt.Outcome = AttemptOutcomeError
		}
		attempt.ErrorDetail = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		attempt.Outcome = AttemptOutcomeError
		attempt.ErrorDetail = err.Error()
		return attempt
	}
	if resp.StatusCode != http.StatusOK {
		attempt.Outcome = AttemptOutcomeError
		attempt.ErrorDetail = fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		return attempt
	}

	var payload map[string]any
	if err := json.Unmarshal(respBody, &payload); err != nil {
		attempt.Outcome = AttemptOutcomeError
		attempt.ErrorDetail = fmt.Sprintf("unparseable response: %v", err)
		return attempt
	}
	if success, ok := payload["success"].(bool); !ok || !success {
		attempt.Outcome = AttemptOutcomeError
		attempt.ErrorDetail = "backend reported failure"
		attempt.Response = payload
		return attempt
	}

	attempt.Outcome = AttemptOutcomeSuccess
	attempt.Response = payload
	return attempt
}

// synthesize produces the degraded result after exhaustion. Synthesis runs
// detached from any expired stage deadline: it must never block.
func (r *Router) synthesize(ctx context.Context, call StageCall) (*StageResult, error) {
	synthesizer, ok := r.synthesizers[call.Capability]
	if !ok {
		return nil, NewError(ErrorTypeNoSynthesizer,
			"capability %q has no degraded-synthesis handler", call.Capability)
	}
	payload, err := synthesizer.Synthesize(context.WithoutCancel(ctx), call.Payload)
	if err != nil {
		return nil, WrapError(ErrorTypeNoSynthesizer, err)
	}
	return &StageResult{
		StageID:    call.StageID,
		Degraded:   true,
		Payload:    payload,
		Confidence: DegradedConfidence,
	}, nil
}

func (r *Router) recordAttempt(ctx context.Context, call StageCall, attempt BackendAttempt) BackendAttempt {
	attempt.ID = uuid.New().String()
	entry := &AttemptLogEntry{
		ID:         attempt.ID,
		WorkflowID: call.WorkflowID,
		StageID:    call.StageID,
		Capability: call.Capability,
		Candidate:  attempt.Candidate,
		Outcome:    attempt.Outcome,
		Error:      attempt.ErrorDetail,
		StartTime:  attempt.StartTime,
		Duration:   attempt.Latency.Seconds(),
	}
	if err := r.attemptLogger.LogAttempt(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Error("failed to log backend attempt", "error", err)
	}
	return attempt
}

func (r *Router) responseConfidence(payload map[string]any) float64 {
	confidence, ok := payload["confidence"].(float64)
	if !ok {
		return r.defaultConfidence
	}
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// Decision is what the worker should do with the claimed delivery.
type Decision int

const (
	DecisionComplete Decision = iota
	DecisionRetry
)

func (d Decision) String() string {
	if d == DecisionRetry {
		return "retry"
	}
	return "complete"
}

// Report describes how a job was handled.
type Report struct {
	Decision Decision
	Reason   string
	// Err is the cause of a retry.
	Err      error
	Outcomes []dispatch.DispatchOutcome
	// Pruned lists the tokens handed to DeleteTokens.
	Pruned []string
}

// ProcessorConfig bounds the external calls made per job.
type ProcessorConfig struct {
	MinTokenLength  int
	ProviderTimeout time.Duration
	StoreTimeout    time.Duration
}

// Processor runs a single job through token resolution, dispatch,
// classification and pruning. It never touches the queue; the Worker turns
// its Report into a settlement.
type Processor struct {
	provider dispatch.PushProvider
	store    dispatch.TokenStore
	cfg      ProcessorConfig
	metrics  *Metrics
}

func NewProcessor(provider dispatch.PushProvider, store dispatch.TokenStore, cfg ProcessorConfig, m *Metrics) *Processor {
	if cfg.MinTokenLength <= 0 {
		cfg.MinTokenLength = DefaultMinTokenLength
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if m == nil {
		m = NewMetrics()
	}
	return &Processor{provider: provider, store: store, cfg: cfg, metrics: m}
}

// Process handles one job. The logger should already carry the job's identity.
func (p *Processor) Process(ctx context.Context, job *dispatch.NotificationJob, logger *slog.Logger) Report {
	if job == nil || strings.TrimSpace(job.RecipientID) == "" {
		logger.Error("Job has no recipient; dropping")
		return Report{Decision: DecisionComplete, Reason: "missing recipient"}
	}

	msg, err := BuildMessage(job)
	if err != nil {
		logger.Error("Job payload cannot be encoded; dropping", "err", err)
		return Report{Decision: DecisionComplete, Reason: "malformed payload"}
	}

	// TokensResolved
	stored, err := p.listTokens(ctx, job.RecipientID)
	if err != nil {
		logger.Warn("Token lookup failed", "err", err)
		return Report{Decision: DecisionRetry, Reason: "token lookup failed", Err: err}
	}
	tokens := PrepareTokens(stored, p.cfg.MinTokenLength)
	if len(tokens) == 0 {
		logger.Info("No valid device tokens; nothing to send", "stored", len(stored))
		return Report{Decision: DecisionComplete, Reason: "no tokens"}
	}
	logger.Debug("Resolved device tokens", "count", len(tokens), "tokens", dispatch.MaskedTokens(tokens))

	// Dispatched + Classified
	outcomes, isolated, topErr := p.dispatch(ctx, tokens, msg, logger)
	for _, o := range outcomes {
		p.metrics.observeOutcome(o.Kind)
	}

	report := Report{Outcomes: outcomes}
	report.Pruned = p.prune(ctx, outcomes, logger)
	p.decide(&report, topErr, isolated)

	logger.Info("Job dispatched",
		"decision", report.Decision.String(),
		"reason", report.Reason,
		"tokens", len(tokens),
		"pruned", len(report.Pruned),
	)
	return report
}

func (p *Processor) listTokens(ctx context.Context, userID string) ([]dispatch.DeviceToken, error) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	tokens, err := p.store.ListTokensForUser(sctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens for user: %w", err)
	}
	return tokens, nil
}

// dispatch picks the send strategy. isolated is set when a multicast call
// was rejected as a whole for an invalid token and each token was then sent
// on its own.
func (p *Processor) dispatch(ctx context.Context, tokens []string, msg dispatch.Message, logger *slog.Logger) ([]dispatch.DispatchOutcome, bool, error) {
	if len(tokens) == 1 {
		return []dispatch.DispatchOutcome{p.sendOne(ctx, tokens[0], msg)}, false, nil
	}

	multi, ok := p.provider.(dispatch.MulticastProvider)
	if !ok {
		return p.sendSequential(ctx, tokens, msg), false, nil
	}

	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	results, err := multi.SendMany(pctx, tokens, msg)
	cancel()
	if err != nil {
		kind := ClassifyError(err)
		if kind == dispatch.KindInvalidToken {
			logger.Warn("Multicast rejected for an invalid token; isolating tokens", "err", err)
			return p.sendSequential(ctx, tokens, msg), true, nil
		}
		logger.Warn("Multicast failed", "err", err)
		outcomes := make([]dispatch.DispatchOutcome, len(tokens))
		for i, t := range tokens {
			outcomes[i] = dispatch.DispatchOutcome{Token: t, Kind: kind, ErrorMessage: err.Error()}
		}
		return outcomes, false, err
	}

	outcomes := make([]dispatch.DispatchOutcome, len(tokens))
	for i, t := range tokens {
		if i >= len(results) {
			outcomes[i] = dispatch.DispatchOutcome{Token: t, Kind: dispatch.KindUnknown, ErrorMessage: "no result returned"}
			continue
		}
		outcomes[i] = outcomeFromResult(t, results[i])
	}
	return outcomes, false, nil
}

func (p *Processor) sendSequential(ctx context.Context, tokens []string, msg dispatch.Message) []dispatch.DispatchOutcome {
	outcomes := make([]dispatch.DispatchOutcome, 0, len(tokens))
	for _, t := range tokens {
		outcomes = append(outcomes, p.sendOne(ctx, t, msg))
	}
	return outcomes
}

func (p *Processor) sendOne(ctx context.Context, token string, msg dispatch.Message) dispatch.DispatchOutcome {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()
	res, err := p.provider.SendOne(pctx, token, msg)
	if err != nil {
		out := dispatch.DispatchOutcome{Token: token, Kind: ClassifyError(err), ErrorMessage: err.Error()}
		var perr *dispatch.ProviderError
		if errors.As(err, &perr) {
			out.ErrorCode = perr.Code
		}
		return out
	}
	return outcomeFromResult(token, res)
}

func outcomeFromResult(token string, r dispatch.Result) dispatch.DispatchOutcome {
	return dispatch.DispatchOutcome{
		Token:        token,
		Success:      r.Success,
		Kind:         ClassifyResult(r),
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
	}
}

// prune deletes every token classified invalid, whatever else happened.
// Failures are logged and not retried.
func (p *Processor) prune(ctx context.Context, outcomes []dispatch.DispatchOutcome, logger *slog.Logger) []string {
	var invalid []string
	for _, o := range outcomes {
		if o.Kind == dispatch.KindInvalidToken {
			invalid = append(invalid, o.Token)
		}
	}
	if len(invalid) == 0 {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	if err := p.store.DeleteTokens(sctx, invalid); err != nil {
		p.metrics.PruneFailures.Inc()
		logger.Error("Failed to delete invalid tokens", "tokens", dispatch.MaskedTokens(invalid), "err", err)
		return invalid
	}
	p.metrics.TokensPruned.Add(len(invalid))
	logger.Info("Deleted invalid tokens", "count", len(invalid), "tokens", dispatch.MaskedTokens(invalid))
	return invalid
}

func (p *Processor) decide(r *Report, topErr error, isolated bool) {
	var succeeded, retryable int
	var firstRetryable *dispatch.DispatchOutcome
	for i, o := range r.Outcomes {
		switch o.Kind {
		case dispatch.KindNone:
			succeeded++
		case dispatch.KindTransient, dispatch.KindUnknown:
			retryable++
			if firstRetryable == nil {
				firstRetryable = &r.Outcomes[i]
			}
		}
	}

	switch {
	case isolated:
		r.Decision, r.Reason = DecisionComplete, "isolated invalid tokens"
	case succeeded > 0:
		r.Decision, r.Reason = DecisionComplete, "delivered"
	case retryable > 0:
		r.Decision, r.Reason = DecisionRetry, "transient failures"
		r.Err = topErr
		if r.Err == nil {
			r.Err = fmt.Errorf("%d of %d sends failed, first: %s", retryable, len(r.Outcomes), describe(firstRetryable))
		}
	default:
		r.Decision, r.Reason = DecisionComplete, "only invalid tokens"
	}
}

func describe(o *dispatch.DispatchOutcome) string {
	if o.ErrorCode != "" {
		return fmt.Sprintf("%s (%s)", o.ErrorCode, o.ErrorMessage)
	}
	if o.ErrorMessage != "" {
		return o.ErrorMessage
	}
	return string(o.Kind)
}

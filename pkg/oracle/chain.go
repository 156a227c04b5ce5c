package oracle

import (
	"context"
	"errors"

	"github.com/flowmend/flowmend/pkg/engine"
	"golang.org/x/time/rate"
)

// Chain consults advisors in order and returns the first patch. It fails with
// NO_FIX when every advisor declined, and with the joined errors otherwise.
type Chain []engine.Oracle

var _ engine.Oracle = Chain(nil)

// ProposeFix implements engine.Oracle.
func (c Chain) ProposeFix(ctx context.Context, req engine.RepairRequest) (*engine.RepairPatch, error) {
	if len(c) == 0 {
		return nil, noFix("no oracle configured")
	}

	var errs []error
	declined := true
	for _, o := range c {
		patch, err := o.ProposeFix(ctx, req)
		if err == nil && patch != nil && len(patch.Changes) > 0 {
			return patch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if ee := engine.AsEngineError(err); ee == nil || ee.Code != engine.ErrCodeNoFix {
			declined = false
		}
	}

	if declined {
		return nil, noFix("no oracle proposed a fix").WithResource(nodeID(req))
	}
	return nil, engine.NewOracleError("every oracle failed", errors.Join(errs...)).WithResource(nodeID(req))
}

// Limited throttles calls to another advisor.
type Limited struct {
	next    engine.Oracle
	limiter *rate.Limiter
}

var _ engine.Oracle = (*Limited)(nil)

// NewLimited allows perMinute calls per minute to next, with a burst of one.
func NewLimited(next engine.Oracle, perMinute float64) *Limited {
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60), 1),
	}
}

// ProposeFix waits for the limiter and calls the wrapped advisor.
func (l *Limited) ProposeFix(ctx context.Context, req engine.RepairRequest) (*engine.RepairPatch, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, engine.NewOracleError("oracle rate limit wait aborted", err).
			WithResource(nodeID(req)).WithCode(engine.ErrCodeRateLimited)
	}
	return l.next.ProposeFix(ctx, req)
}

func nodeID(req engine.RepairRequest) string {
	if req.Node == nil {
		return ""
	}
	return req.Node.ID
}

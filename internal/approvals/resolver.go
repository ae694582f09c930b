// ABOUTME: Resolver sends operator decisions to the gateway and plans follow-ups.
// ABOUTME: Unknown-approval failures are benign races; each approval gets at most one follow-up.

package approvals

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-console/internal/dedupe"
	"github.com/2389/coven-console/internal/fleet"
)

// Gateway resolves approvals remotely.
type Gateway interface {
	ResolveExecApproval(ctx context.Context, id string, decision Decision) error
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// IsUnknownApproval classifies errors meaning the gateway no longer
	// knows the approval id.
	IsUnknownApproval func(error) bool
	Logger            *slog.Logger
}

// Resolver resolves approvals held in a Book.
type Resolver struct {
	gw        Gateway
	book      *Book
	sent      *dedupe.Cache
	isUnknown func(error) bool
	logger    *slog.Logger
}

// NewResolver creates a Resolver. sent records approvals whose follow-up
// has been handed out.
func NewResolver(gw Gateway, book *Book, sent *dedupe.Cache, opts ResolverOptions) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	isUnknown := opts.IsUnknownApproval
	if isUnknown == nil {
		isUnknown = func(error) bool { return false }
	}
	return &Resolver{
		gw:        gw,
		book:      book,
		sent:      sent,
		isUnknown: isUnknown,
		logger:    logger.With("component", "approvals"),
	}
}

func followUpKey(id string) string {
	return "followup:" + id
}

// Resolve sends decision for approval id. On success it returns the
// follow-up to send, if the decision calls for one and none was handed out
// for this approval before. An unknown-approval failure drops the approval
// and returns no error.
func (r *Resolver) Resolve(ctx context.Context, id string, decision Decision, agents []fleet.AgentRecord) (FollowUp, bool, error) {
	a, known := r.book.Get(id)
	if !known {
		a = Approval{ID: id}
	}

	r.book.SetResolving(id, true, "")
	if err := r.gw.ResolveExecApproval(ctx, id, decision); err != nil {
		if r.isUnknown(err) {
			r.book.Remove(id)
			r.logger.Debug("approval already gone on gateway", "approval_id", id)
			return FollowUp{}, false, nil
		}
		r.book.SetResolving(id, false, err.Error())
		return FollowUp{}, false, fmt.Errorf("resolving approval %s: %w", id, err)
	}
	r.book.Remove(id)
	r.logger.Info("approval resolved", "approval_id", id, "decision", decision, "agent_id", a.AgentID)

	fu, ok := PlanFollowUp(a, decision, agents)
	if !ok {
		return FollowUp{}, false, nil
	}
	if !r.sent.MarkIfNew(followUpKey(id)) {
		r.logger.Debug("follow-up already sent", "approval_id", id)
		return FollowUp{}, false, nil
	}
	return fu, true, nil
}

// FollowUpFailed allows the follow-up for id to be planned again.
func (r *Resolver) FollowUpFailed(id string) {
	r.sent.Forget(followUpKey(id))
}

// ABOUTME: Tests for the approval resolver.
// ABOUTME: Covers follow-up planning, once-only follow-ups, unknown-approval races, and failures.

package approvals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/2389/coven-console/internal/dedupe"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnknownID = errors.New("unknown approval id")

type fakeGateway struct {
	err   error
	calls []Decision
}

func (f *fakeGateway) ResolveExecApproval(_ context.Context, _ string, decision Decision) error {
	f.calls = append(f.calls, decision)
	return f.err
}

func newTestResolver(t *testing.T, gw Gateway) (*Resolver, *Book) {
	t.Helper()
	book := NewBook(nil)
	sent := dedupe.New(time.Minute, 100)
	t.Cleanup(sent.Close)
	r := NewResolver(gw, book, sent, ResolverOptions{
		IsUnknownApproval: func(err error) bool { return errors.Is(err, errUnknownID) },
	})
	return r, book
}

func TestResolver_AllowPlansFollowUpOnce(t *testing.T) {
	gw := &fakeGateway{}
	r, book := newTestResolver(t, gw)
	agents := []fleet.AgentRecord{{AgentID: "a1", SessionKey: "agent:a1:main"}}
	approval := Approval{ID: "ap-1", AgentID: "a1", Command: "make"}
	book.Upsert(approval)

	fu, ok, err := r.Resolve(t.Context(), "ap-1", AllowOnce, agents)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "agent:a1:main", fu.SessionKey)
	assert.Zero(t, book.Len())

	book.Upsert(approval)
	_, ok, err = r.Resolve(t.Context(), "ap-1", AllowOnce, agents)
	require.NoError(t, err)
	assert.False(t, ok, "second resolve does not repeat the follow-up")

	r.FollowUpFailed("ap-1")
	book.Upsert(approval)
	_, ok, err = r.Resolve(t.Context(), "ap-1", AllowAlways, agents)
	require.NoError(t, err)
	assert.True(t, ok, "a failed follow-up may be planned again")
}

func TestResolver_DenyNoFollowUp(t *testing.T) {
	gw := &fakeGateway{}
	r, book := newTestResolver(t, gw)
	book.Upsert(Approval{ID: "ap-1", AgentID: "a1", Command: "make"})

	_, ok, err := r.Resolve(t.Context(), "ap-1", Deny, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []Decision{Deny}, gw.calls)
}

func TestResolver_UnknownApprovalIsBenign(t *testing.T) {
	r, book := newTestResolver(t, &fakeGateway{err: errUnknownID})
	book.Upsert(Approval{ID: "ap-1", Command: "make"})

	_, ok, err := r.Resolve(t.Context(), "ap-1", AllowOnce, nil)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, book.Len())
}

func TestResolver_FailureKeepsApproval(t *testing.T) {
	r, book := newTestResolver(t, &fakeGateway{err: errors.New("timeout")})
	book.Upsert(Approval{ID: "ap-1", Command: "make"})

	_, ok, err := r.Resolve(t.Context(), "ap-1", AllowOnce, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ap-1")
	assert.False(t, ok)
	got, found := book.Get("ap-1")
	require.True(t, found)
	assert.False(t, got.Resolving)
	assert.Equal(t, "timeout", got.Error)
}

func TestResolver_UnknownLocally(t *testing.T) {
	gw := &fakeGateway{}
	r, _ := newTestResolver(t, gw)

	_, ok, err := r.Resolve(t.Context(), "ap-9", AllowOnce, nil)

	require.NoError(t, err)
	assert.False(t, ok, "nothing known to follow up on")
	assert.Len(t, gw.calls, 1, "the gateway still gets the decision")
}

package launch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/fitgate/internal/model"
)

func newTestVerifier(store ProfileStore, sleeper *recordingSleep) *ProfileVerifier {
	return NewProfileVerifier(store, DefaultVerifyPolicy(), nil, WithSleep(sleeper.sleep))
}

func repeat(d time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func TestVerify_FoundOnFirstAttempt(t *testing.T) {
	store := &mockProfileStore{
		getFn: func(ctx context.Context, id string) (*model.Profile, error) {
			return completedProfile(id), nil
		},
	}
	sleeper := &recordingSleep{}

	res := newTestVerifier(store, sleeper).Verify(context.Background(), VerifyRequest{UserID: "user-1"})

	assert.Equal(t, VerdictFound, res.Verdict)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, Present, res.Presence())
	assert.Empty(t, sleeper.durations())
}

func TestVerify_StandardSessionRetriesOnce(t *testing.T) {
	store := &mockProfileStore{}
	sleeper := &recordingSleep{}

	res := newTestVerifier(store, sleeper).Verify(context.Background(), VerifyRequest{UserID: "user-1"})

	assert.Equal(t, VerdictAbsent, res.Verdict)
	assert.Equal(t, Absent, res.Presence())
	// 初回 + リトライ1回 + 最終検証1回
	assert.Equal(t, int32(3), store.getCalls.Load())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, repeat(500*time.Millisecond, 1), sleeper.durations())
}

func TestVerify_LinkedSessionExhaustsRetryBudget(t *testing.T) {
	store := &mockDirectProfileStore{}
	sleeper := &recordingSleep{}

	res := newTestVerifier(store, sleeper).Verify(context.Background(), VerifyRequest{UserID: "user-1", Linked: true})

	assert.Equal(t, VerdictAbsent, res.Verdict)
	assert.Equal(t, int32(6), store.getCalls.Load(), "初回 + リトライ5回の読み取りが行われるべき")
	assert.Equal(t, int32(1), store.directCalls.Load(), "最終検証は直接読み取りで行うべき")
	assert.Equal(t, repeat(time.Second, 5), sleeper.durations())
}

func TestVerify_LinkedSessionDelayedProfile(t *testing.T) {
	store := &mockProfileStore{}
	store.getFn = func(ctx context.Context, id string) (*model.Profile, error) {
		// 3回目のリトライ（4回目の読み取り）で見えるようになる
		if store.getCalls.Load() >= 4 {
			return completedProfile(id), nil
		}
		return nil, nil
	}
	sleeper := &recordingSleep{}

	res := newTestVerifier(store, sleeper).Verify(context.Background(), VerifyRequest{UserID: "user-1", Linked: true})

	require.Equal(t, VerdictFound, res.Verdict)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, repeat(time.Second, 3), sleeper.durations())
}

func TestVerify_TransientErrorsDoNotConcludeEarly(t *testing.T) {
	store := &mockProfileStore{}
	store.getFn = func(ctx context.Context, id string) (*model.Profile, error) {
		if store.getCalls.Load() <= 3 {
			return nil, errors.New("connection reset")
		}
		return completedProfile(id), nil
	}
	sleeper := &recordingSleep{}

	res := newTestVerifier(store, sleeper).Verify(context.Background(), VerifyRequest{UserID: "user-1", Linked: true})

	assert.Equal(t, VerdictFound, res.Verdict)
	assert.Equal(t, 4, res.Attempts)
}

func TestVerify_FinalReadDeniedThenFound(t *testing.T) {
	store := &mockDirectProfileStore{}
	store.readDirectFn = func(ctx context.Context, id string) (*model.Profile, error) {
		if store.directCalls.Load() == 1 {
			return nil, model.ErrAuthorizationDenied
		}
		return completedProfile(id), nil
	}
	sleeper := &recordingSleep{}

	res := newTestVerifier(store, sleeper).Verify(context.Background(), VerifyRequest{
		UserID:         "user-1",
		ActiveIdentity: func(ctx context.Context) (string, error) { return "user-1", nil },
	})

	assert.Equal(t, VerdictFound, res.Verdict)
	assert.Equal(t, int32(2), store.directCalls.Load())
}

func TestVerify_FinalReadDeniedTwiceIsInconclusive(t *testing.T) {
	store := &mockDirectProfileStore{
		readDirectFn: func(ctx context.Context, id string) (*model.Profile, error) {
			return nil, model.ErrAuthorizationDenied
		},
	}
	sleeper := &recordingSleep{}

	res := newTestVerifier(store, sleeper).Verify(context.Background(), VerifyRequest{UserID: "user-1"})

	assert.Equal(t, VerdictInconclusive, res.Verdict)
	assert.Equal(t, Absent, res.Presence())
	assert.Equal(t, int32(2), store.directCalls.Load(), "確定不能の場合は1回だけ追加で解決を試みるべき")
}

func TestVerify_IdentityMismatchRetriesWithActiveIdentity(t *testing.T) {
	store := &mockDirectProfileStore{
		readDirectFn: func(ctx context.Context, id string) (*model.Profile, error) {
			if id == "user-2" {
				return completedProfile(id), nil
			}
			return nil, nil
		},
	}
	sleeper := &recordingSleep{}

	res := newTestVerifier(store, sleeper).Verify(context.Background(), VerifyRequest{
		UserID:         "user-1",
		ActiveIdentity: func(ctx context.Context) (string, error) { return "user-2", nil },
	})

	require.Equal(t, VerdictFound, res.Verdict)
	assert.Equal(t, "user-2", res.UserID)
	assert.Equal(t, "user-2", res.Profile.ID)
}

func TestVerify_SignedOutDuringFinalVerification(t *testing.T) {
	store := &mockDirectProfileStore{}
	sleeper := &recordingSleep{}

	res := newTestVerifier(store, sleeper).Verify(context.Background(), VerifyRequest{
		UserID:         "user-1",
		ActiveIdentity: func(ctx context.Context) (string, error) { return "", nil },
	})

	assert.Equal(t, VerdictAbsent, res.Verdict)
}

func TestVerify_FinalCeilingYieldsAbsentAfterTimeout(t *testing.T) {
	blocking := func(ctx context.Context, id string) (*model.Profile, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	store := &mockDirectProfileStore{readDirectFn: blocking}
	store.getFn = blocking

	policy := DefaultVerifyPolicy()
	policy.AttemptTimeout = 5 * time.Millisecond
	policy.StandardDelay = time.Millisecond
	policy.FinalReadTimeout = 100 * time.Millisecond
	policy.FinalCeiling = 20 * time.Millisecond

	v := NewProfileVerifier(store, policy, nil)
	res := v.Verify(context.Background(), VerifyRequest{UserID: "user-1"})

	assert.Equal(t, VerdictAbsentAfterTimeout, res.Verdict)
	assert.Equal(t, Absent, res.Presence())
}

func TestVerify_RetryCeilingStopsLoop(t *testing.T) {
	store := &mockDirectProfileStore{}
	policy := DefaultVerifyPolicy()
	policy.LinkedDelay = 50 * time.Millisecond
	policy.RetryCeiling = 120 * time.Millisecond

	v := NewProfileVerifier(store, policy, nil)
	res := v.Verify(context.Background(), VerifyRequest{UserID: "user-1", Linked: true})

	assert.Equal(t, VerdictAbsent, res.Verdict)
	assert.Less(t, store.getCalls.Load(), int32(6), "上限時間に達したらリトライを打ち切るべき")
	assert.Equal(t, int32(1), store.directCalls.Load())
}

func TestVerify_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &mockProfileStore{}
	res := NewProfileVerifier(store, DefaultVerifyPolicy(), nil).Verify(ctx, VerifyRequest{UserID: "user-1", Linked: true})

	assert.Equal(t, VerdictAbsentAfterTimeout, res.Verdict)
}

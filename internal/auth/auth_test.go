package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeOwnership struct {
	owns       map[string]bool
	aggregated map[string]bool
	err        error
}

func (f fakeOwnership) OwnsAccount(ctx context.Context, userID, accountID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.owns[userID+":"+accountID], nil
}

func (f fakeOwnership) HasAggregatedAccount(ctx context.Context, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.aggregated[userID], nil
}

const testSecret = "test-secret-key-that-is-long-enough"
const testAudience = "portfolio-core"

func TestVerifyToken_ValidTokenReturnsUserID(t *testing.T) {
	v := NewVerifier(testSecret, testAudience)
	token, err := IssueTestToken(testSecret, testAudience, "user-1", time.Hour)
	assert.NoError(t, err)

	userID, err := v.VerifyToken(token)
	assert.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerifyToken_ExpiredTokenRejected(t *testing.T) {
	v := NewVerifier(testSecret, testAudience)
	token, err := IssueTestToken(testSecret, testAudience, "user-1", -time.Hour)
	assert.NoError(t, err)

	_, err = v.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToken_WrongAudienceRejected(t *testing.T) {
	v := NewVerifier(testSecret, testAudience)
	token, err := IssueTestToken(testSecret, "some-other-audience", "user-1", time.Hour)
	assert.NoError(t, err)

	_, err = v.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToken_WrongSecretRejected(t *testing.T) {
	v := NewVerifier(testSecret, testAudience)
	token, err := IssueTestToken("a-completely-different-secret", testAudience, "user-1", time.Hour)
	assert.NoError(t, err)

	_, err = v.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthorize_OwnedAccountSucceeds(t *testing.T) {
	v := NewVerifier(testSecret, testAudience)
	token, _ := IssueTestToken(testSecret, testAudience, "user-1", time.Hour)
	ownership := fakeOwnership{owns: map[string]bool{"user-1:acc-1": true}}

	userID, err := Authorize(context.Background(), v, ownership, token, "acc-1")
	assert.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestAuthorize_UnownedAccountForbidden(t *testing.T) {
	v := NewVerifier(testSecret, testAudience)
	token, _ := IssueTestToken(testSecret, testAudience, "user-1", time.Hour)
	ownership := fakeOwnership{owns: map[string]bool{}}

	_, err := Authorize(context.Background(), v, ownership, token, "acc-1")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAuthorize_AggregatedLiteralChecksAggregatedOwnership(t *testing.T) {
	v := NewVerifier(testSecret, testAudience)
	token, _ := IssueTestToken(testSecret, testAudience, "user-1", time.Hour)
	ownership := fakeOwnership{aggregated: map[string]bool{"user-1": true}}

	userID, err := Authorize(context.Background(), v, ownership, token, "aggregated")
	assert.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestAuthorize_AggregatedLiteralWithoutAnyAggregatedAccountForbidden(t *testing.T) {
	v := NewVerifier(testSecret, testAudience)
	token, _ := IssueTestToken(testSecret, testAudience, "user-1", time.Hour)
	ownership := fakeOwnership{aggregated: map[string]bool{}}

	_, err := Authorize(context.Background(), v, ownership, token, "aggregated")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAuthorize_InvalidTokenNeverReachesOwnershipLookup(t *testing.T) {
	v := NewVerifier(testSecret, testAudience)
	ownership := fakeOwnership{err: assert.AnError}

	_, err := Authorize(context.Background(), v, ownership, "not-a-real-token", "acc-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

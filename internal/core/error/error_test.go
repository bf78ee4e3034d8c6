package errx

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesStatusFromCode(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeConversationNotOwned, http.StatusForbidden},
		{CodePayloadTooLarge, http.StatusRequestEntityTooLarge},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeStorageUnavailable, http.StatusBadGateway},
		{Code("made_up"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, New(nil, tt.code, "x").Status)
		})
	}
}

func TestCodeOf_SeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("load checkpoint: %w", StorageUnavailable(errors.New("disk gone")))

	assert.Equal(t, CodeStorageUnavailable, CodeOf(err))
	assert.True(t, Is(err, CodeStorageUnavailable))
	assert.False(t, Is(err, CodeNotFound))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestErrorsIs_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NotFound("checkpoint"))
	assert.True(t, errors.Is(err, New(nil, CodeNotFound, "")))
	assert.False(t, errors.Is(err, New(nil, CodeInternal, "")))
}

func TestRateLimited_CarriesRetryAfter(t *testing.T) {
	err := fmt.Errorf("admit: %w", RateLimited(90*time.Second))
	assert.Equal(t, 90*time.Second, RetryAfterOf(err))
	assert.Equal(t, http.StatusTooManyRequests, StatusOf(err))
	assert.Equal(t, "rate limit exceeded", MessageOf(err))
}

func TestWrapRedis(t *testing.T) {
	require.NoError(t, WrapRedis(nil))
	assert.True(t, Is(WrapRedis(redis.Nil), CodeNotFound))

	boom := errors.New("connection refused")
	wrapped := WrapRedis(boom)
	assert.True(t, Is(wrapped, CodeStorageUnavailable))
	assert.ErrorIs(t, wrapped, boom)
}

func TestStorageUnavailable_NilStaysNil(t *testing.T) {
	assert.Nil(t, StorageUnavailable(nil))
}

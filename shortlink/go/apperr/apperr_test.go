package apperr

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"go.shortlink.dev/infra/go/skerr"
)

func TestHTTPStatus_WrappedErrorsStillMap(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(skerr.Wrapf(ErrNotFound, "looking up link")))
	assert.Equal(t, http.StatusGone, HTTPStatus(ErrGone))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(ErrBlocked))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(ErrPasswordRequired))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(&RateLimited{RetryAfter: time.Minute}))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("surprise")))
}

func TestRetryAfter(t *testing.T) {
	err := &RateLimited{RetryAfter: 42 * time.Second}
	assert.Equal(t, 42*time.Second, RetryAfter(skerr.Wrap(err), time.Minute))
	assert.Equal(t, time.Minute, RetryAfter(ErrRateLimited, time.Minute))
}

package now

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mockTime = time.Unix(1700000000, 0).UTC()

func TestNow_NoContextValue_ReturnsWallClock(t *testing.T) {
	before := time.Now()
	ts := Now(context.Background())
	after := time.Now()
	require.False(t, ts.Before(before))
	require.False(t, ts.After(after))
}

func TestNow_TimeInContext_ReturnsThatTime(t *testing.T) {
	ctx := context.WithValue(context.Background(), ContextKey, mockTime)
	assert.Equal(t, mockTime, Now(ctx))
}

func TestNow_ProviderInContext_EvaluatedEachCall(t *testing.T) {
	var tick int64
	provider := NowProvider(func() time.Time {
		tick++
		return time.Unix(tick, 0).UTC()
	})
	ctx := context.WithValue(context.Background(), ContextKey, provider)
	assert.Equal(t, time.Unix(1, 0).UTC(), Now(ctx))
	assert.Equal(t, time.Unix(2, 0).UTC(), Now(ctx))
}

func TestTimeTravelingContext_SetTimeChangesNow(t *testing.T) {
	ctx := TimeTravelingContext(mockTime)
	assert.Equal(t, mockTime, Now(ctx))
	later := mockTime.Add(2 * time.Hour)
	ctx.SetTime(later)
	assert.Equal(t, later, Now(ctx))
}

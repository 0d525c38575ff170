package ratelimit

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	fanouttest "github.com/thingsboard/thingsboard-sub020/testing"
	"github.com/thingsboard/thingsboard-sub020/types"
)

func TestErrorReporter_Deduplicates(t *testing.T) {
	mock := clock.NewMock()
	session := fanouttest.NewRecordingSession()
	r := NewErrorReporter(session, time.Minute, 0, WithReporterClock(mock))

	require.True(t, r.Report(t.Context(), "s1", 1, types.ErrorCodeRateLimited, "too many subscriptions"))
	require.False(t, r.Report(t.Context(), "s1", 2, types.ErrorCodeRateLimited, "too many subscriptions"))

	// Another session or another message is not suppressed.
	require.True(t, r.Report(t.Context(), "s2", 1, types.ErrorCodeRateLimited, "too many subscriptions"))
	require.True(t, r.Report(t.Context(), "s1", 3, types.ErrorCodeBadRequest, "bad keys"))

	mock.Add(time.Minute)
	require.True(t, r.Report(t.Context(), "s1", 4, types.ErrorCodeRateLimited, "too many subscriptions"))

	errs := session.Errors()
	require.Len(t, errs, 4)
	require.Equal(t, fanouttest.SessionError{
		SessionID:      "s1",
		SubscriptionID: 1,
		Code:           types.ErrorCodeRateLimited,
		Message:        "too many subscriptions",
	}, errs[0])
	require.Equal(t, 4, errs[3].SubscriptionID)
}

func TestErrorReporter_NilTransport(t *testing.T) {
	r := NewErrorReporter(nil, 0, 0)

	require.False(t, r.Report(t.Context(), "s1", 1, types.ErrorCodeInternal, "boom"))
}

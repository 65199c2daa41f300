package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/odvcencio/planrunner/pkg/telemetry"
)

func TestSession_NotStarted(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	sess := NewSession("s1", transport)
	ctx := context.Background()

	err := sess.Navigate(ctx, "https://example.com", time.Second)
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = sess.Snapshot(ctx, SnapshotOptions{})
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = sess.PerformAction(ctx, ActionClick, "e1", ActionPayload{})
	assert.ErrorIs(t, err, ErrNotStarted)

	assert.NoError(t, sess.Stop(ctx))
}

func TestSession_Lifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	metrics := NewMetrics()
	sess := NewSession("s1", transport, WithMetrics(metrics))
	ctx := context.Background()

	snap := NewSnapshot("https://example.com", []Element{{Ref: "e1", Descriptor: Descriptor{Name: "Go"}}})

	gomock.InOrder(
		transport.EXPECT().Open(gomock.Any()).Return(nil),
		transport.EXPECT().Navigate(gomock.Any(), "https://example.com", 5*time.Second).Return("tab-1", nil),
		transport.EXPECT().Snapshot(gomock.Any(), "tab-1", SnapshotOptions{}).Return(snap, nil),
		transport.EXPECT().Act(gomock.Any(), "tab-1", Action{Kind: ActionClick, Ref: "e1"}).
			Return(&ActionResult{Kind: ActionClick, Ref: "e1"}, nil),
		transport.EXPECT().Close(gomock.Any()).Return(nil),
	)

	require.NoError(t, sess.Start(ctx))
	require.NoError(t, sess.Start(ctx), "second start is a no-op")
	assert.Empty(t, sess.Target())

	require.NoError(t, sess.Navigate(ctx, "https://example.com", 5*time.Second))
	assert.Equal(t, "tab-1", sess.Target())

	got, err := sess.Snapshot(ctx, SnapshotOptions{})
	require.NoError(t, err)
	assert.Same(t, snap, got)

	res, err := sess.PerformAction(ctx, ActionClick, "e1", ActionPayload{})
	require.NoError(t, err)
	assert.Equal(t, "e1", res.Ref)

	require.NoError(t, sess.Stop(ctx))
	assert.Empty(t, sess.Target(), "stop clears the target handle")
	assert.False(t, sess.Started())

	stats := metrics.Snapshot()
	assert.EqualValues(t, 1, stats.SessionsStarted)
	assert.EqualValues(t, 0, stats.ActiveSessions)
	assert.EqualValues(t, 1, stats.NavigateCount)
	assert.EqualValues(t, 1, stats.SnapshotCount)
	assert.EqualValues(t, 1, stats.ActionSuccessCount)
}

func TestSession_FailedNavigateKeepsPreviousTarget(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	sess := NewSession("s1", transport)
	ctx := context.Background()

	transport.EXPECT().Open(gomock.Any()).Return(nil)
	transport.EXPECT().Navigate(gomock.Any(), "https://a.test", gomock.Any()).Return("tab-a", nil)
	transport.EXPECT().Navigate(gomock.Any(), "https://b.test", gomock.Any()).Return("", errors.New("net::ERR_NAME_NOT_RESOLVED"))

	require.NoError(t, sess.Start(ctx))
	require.NoError(t, sess.Navigate(ctx, "https://a.test", time.Second))

	err := sess.Navigate(ctx, "https://b.test", time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotStarted)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "navigate", te.Op)
	assert.Equal(t, CodeRemote, te.Code)
	assert.Equal(t, "tab-a", sess.Target())
}

func TestSession_StartFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	sess := NewSession("s1", transport)

	transport.EXPECT().Open(gomock.Any()).Return(errors.New("spawn failed"))

	err := sess.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.False(t, sess.Started())
}

func TestSession_ActionFailurePublishesTelemetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	metrics := NewMetrics()
	metrics.EnableTelemetry(hub, "trace-1")
	sess := NewSession("s1", transport, WithMetrics(metrics))
	ctx := context.Background()

	transport.EXPECT().Open(gomock.Any()).Return(nil)
	transport.EXPECT().Act(gomock.Any(), "", gomock.Any()).Return(nil, context.DeadlineExceeded)

	require.NoError(t, sess.Start(ctx))
	_, err := sess.PerformAction(ctx, ActionType, "e2", ActionPayload{Text: "hello"})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var sawFailure bool
	timeout := time.After(time.Second)
	for !sawFailure {
		select {
		case ev := <-events:
			if ev.Type == telemetry.EventBrowserActionFailed {
				sawFailure = true
				assert.Equal(t, "trace-1", ev.SessionID)
				assert.Equal(t, "type", ev.Data["action"])
			}
		case <-timeout:
			t.Fatal("no action_failed event")
		}
	}
	assert.EqualValues(t, 1, metrics.Snapshot().ActionFailureCount)
}

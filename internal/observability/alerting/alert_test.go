package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenOps-Agent/internal/config"
	xerrors "OpenOps-Agent/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{TaskID: "t1", Code: xerrors.CodeTimeout})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel b")
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.Equal(t, []Channel{"a", "b"}, d.Channels())
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	err := n.Notify(context.Background(), Event{
		TaskID:     "t1",
		Code:       xerrors.CodeIterationLimitExceeded,
		Attempts:   3,
		MaxRetries: 3,
		OccurredAt: time.Unix(100, 0).UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, xerrors.CodeIterationLimitExceeded, got.Code)
	assert.Equal(t, 3, got.Attempts)
}

func TestWebhookNotifierReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{TaskID: "t1"})
	assert.ErrorContains(t, err, "502")
}

func TestFromConfig(t *testing.T) {
	assert.Nil(t, FromConfig(config.AlertingConfig{}))

	d := FromConfig(config.AlertingConfig{Log: true, WebhookURL: "http://example.invalid", TimeoutSeconds: 1})
	fanout, ok := d.(*FanoutDispatcher)
	require.True(t, ok)
	assert.Equal(t, []Channel{ChannelLog, ChannelWebhook}, fanout.Channels())
}

package slackalert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"querybot/internal/audit"
)

type postedMessage struct {
	channel string
	text    string
	blocks  string
}

func newMockSlackAPI(t *testing.T, ok bool) (*http.Client, string, *[]postedMessage) {
	t.Helper()

	var posted []postedMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/")
		switch path {
		case "chat.postMessage":
			_ = r.ParseForm()
			posted = append(posted, postedMessage{
				channel: r.Form.Get("channel"),
				text:    r.Form.Get("text"),
				blocks:  r.Form.Get("blocks"),
			})
			if !ok {
				_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C_ALERTS", "ts": "1.23"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		}
	}))
	t.Cleanup(server.Close)
	return server.Client(), server.URL + "/api/", &posted
}

func TestNotifyPostsToChannel(t *testing.T) {
	client, url, posted := newMockSlackAPI(t, true)
	a := New("xoxb-test", "C_ALERTS", client, zap.NewNop(), slack.OptionAPIURL(url))

	err := a.Notify(context.Background(), audit.SeverityHigh, audit.Anomaly{
		Kind:      audit.AnomalyLowSuccess,
		Message:   "success rate 60.0% below 85%",
		Value:     0.6,
		Threshold: 0.85,
		Samples:   40,
	})
	require.NoError(t, err)
	require.Len(t, *posted, 1)

	msg := (*posted)[0]
	assert.Equal(t, "C_ALERTS", msg.channel)
	assert.Contains(t, msg.text, "[HIGH]")
	assert.Contains(t, msg.text, "low_success_rate")
	assert.Contains(t, msg.blocks, "threshold 0.850")
}

func TestNotifyReportsSlackError(t *testing.T) {
	client, url, _ := newMockSlackAPI(t, false)
	a := New("xoxb-test", "C_MISSING", client, zap.NewNop(), slack.OptionAPIURL(url))

	err := a.Notify(context.Background(), audit.SeverityMedium, audit.Anomaly{Kind: audit.AnomalyLowConfidence})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "C_MISSING")
}

func TestFormatAnomaly(t *testing.T) {
	got := FormatAnomaly(audit.SeverityMedium, audit.Anomaly{Kind: "low_confidence", Message: "average confidence 0.52 below 0.70", Samples: 25})
	assert.Equal(t, ":warning: [MEDIUM] querybot low_confidence: average confidence 0.52 below 0.70 (25 samples)", got)
}

var _ audit.Alerter = (*Alerter)(nil)

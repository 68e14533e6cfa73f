package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/quotagate/internal/stream"
)

func wsURL(base, taskID string, fromLatest bool) string {
	return "ws" + channelURL(base[len("http"):], "/api/v1/events/ws", taskID, fromLatest)
}

func TestEventsWS_StreamsUntilTerminal(t *testing.T) {
	ts := newTestServer(t, Config{})

	post := postTask(t, ts, validTask, nil)
	post.Body.Close()
	waitTerminal(t, ts, "t1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts.ts.URL, "t1", false), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var events []stream.Event
	for {
		var ev stream.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, stream.TypeStart, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, stream.TypeDone, last.Type)
	assert.True(t, last.Terminal())
}

func TestEventsWS_AuthRequired(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "sekrit"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(ts.ts.URL, "t1", false), nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// Token via query parameter works for browser clients.
	conn, _, err := websocket.Dial(ctx, wsURL(ts.ts.URL, "t1", true)+"&api_key=sekrit", nil)
	require.NoError(t, err)
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func TestEventsWS_MissingParams(t *testing.T) {
	ts := newTestServer(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+ts.ts.URL[len("http"):]+"/api/v1/events/ws?user_id=u1", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

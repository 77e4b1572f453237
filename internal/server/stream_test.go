package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStreamEmitsStateAndNotifications(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := notify.NewChannelSink(4)
	handler, err := NewHTTPHandler(Dependencies{
		Session:       newStubSession(),
		Links:         &recordingPublisher{},
		Notifications: sink,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	response, err := http.Get(server.URL + "/auth/stream")
	require.NoError(t, err, "failed to open stream")
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	require.Equal(t, http.StatusOK, response.StatusCode)

	type readResult struct {
		line string
		err  error
	}
	lines := make(chan readResult, 16)
	go func() {
		reader := bufio.NewReader(response.Body)
		for {
			line, readErr := reader.ReadString('\n')
			lines <- readResult{line: line, err: readErr}
			if readErr != nil {
				return
			}
		}
	}()

	currentEventType := ""
	sawState := false
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stream events")
		case res := <-lines:
			require.NoError(t, res.err, "failed to read stream")
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch currentEventType {
			case StreamEventAuthState:
				if !sawState {
					sawState = true
					sink.Show(notify.Success("Email verified", "Your account is now active."))
				}
			case StreamEventNotification:
				require.True(t, sawState, "expected auth state before notifications")
				var payload notify.Notification
				require.NoError(t, json.Unmarshal([]byte(data), &payload))
				assert.Equal(t, notify.KindSuccess, payload.Kind)
				assert.Equal(t, "Email verified", payload.Title)
				return
			}
		}
	}
}

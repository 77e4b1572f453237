package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMultiFansOutToChannelAndLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	channelSink := NewChannelSink(4)
	stream, cleanup := channelSink.Subscribe(context.Background())
	defer cleanup()

	sink := Multi{NewLogSink(zap.New(core)), channelSink, nil}
	sink.Show(Failure("Sign in failed", "Invalid email or password"))

	select {
	case received := <-stream:
		assert.Equal(t, KindError, received.Kind)
		assert.Equal(t, "Sign in failed", received.Title)
	case <-time.After(time.Second):
		t.Fatal("notification was not delivered")
	}

	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}

func TestChannelSinkWithoutSubscribersDoesNotBlock(t *testing.T) {
	sink := NewChannelSink(1)
	done := make(chan struct{})
	go func() {
		for index := 0; index < 10; index++ {
			sink.Show(Success("ok", "ok"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("show blocked without subscribers")
	}
}

package taskcontrolzerolog_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-taskcontrol/gate"
	"github.com/joeycumines/go-taskcontrol/scheduler"
	"github.com/joeycumines/go-taskcontrol/taskcontrolzerolog"
)

func TestAttachGate_logsLifecycleEvents(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	g := gate.New(&gate.Config{Concurrency: 1})
	taskcontrolzerolog.AttachGate(g, log)

	tok, ok := g.TryAcquire()
	require.True(t, ok)
	tok.Release()

	out := buf.String()
	assert.Contains(t, out, "lock acquired")
	assert.Contains(t, out, "lock released")
}

func TestAttachScheduler_logsLifecycleEvents(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	s := scheduler.New(&scheduler.Config{Concurrency: 1})
	taskcontrolzerolog.AttachScheduler(s, log)

	fut := scheduler.Run(s, func(context.Context) (int, error) { return 1, nil })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := fut.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out := buf.String()
		return bytes.Contains([]byte(out), []byte("task started")) && bytes.Contains([]byte(out), []byte("task finished"))
	}, time.Second, time.Millisecond)
}

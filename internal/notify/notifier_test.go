package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	err   error
	texts []string
}

func (r *recordingNotifier) SendAlert(_ context.Context, text string) error {
	r.texts = append(r.texts, text)
	return r.err
}

func TestSendWithFallback(t *testing.T) {
	ctx := context.Background()

	primary, fallback := &recordingNotifier{}, &recordingNotifier{}
	require.NoError(t, SendWithFallback(ctx, primary, fallback, "a"))
	assert.Equal(t, []string{"a"}, primary.texts)
	assert.Empty(t, fallback.texts)

	primary.err = errors.New("nats down")
	require.NoError(t, SendWithFallback(ctx, primary, fallback, "b"))
	assert.Equal(t, []string{"b"}, fallback.texts)

	fallback.err = errors.New("log down")
	err := SendWithFallback(ctx, primary, fallback, "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, primary.err)
	assert.ErrorIs(t, err, fallback.err)

	assert.Error(t, SendWithFallback(ctx, nil, nil, "d"))
	require.NoError(t, SendWithFallback(ctx, nil, NewLogNotifier(zerolog.Nop()), "e"))
}

func TestFallback_Notifier(t *testing.T) {
	var n Notifier = Fallback{Primary: &recordingNotifier{err: ErrNotConnected}, Secondary: NewLogNotifier(zerolog.Nop())}
	assert.NoError(t, n.SendAlert(context.Background(), "x"))
}

func TestNATSNotifier_ConnectFailure(t *testing.T) {
	_, err := NewNATSNotifier("nats://127.0.0.1:1", "copy_bot.alert", zerolog.Nop())
	assert.Error(t, err)
}

package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExec(t *testing.T) {
	out, err := Exec{}.Run(context.Background(), []string{"sh", "-c", "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	_, err = Exec{}.Run(context.Background(), []string{"sh", "-c", "echo nope >&2; exit 3"})
	assert.ErrorContains(t, err, "nope")

	_, err = Exec{}.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{Fail: map[string]error{"false": errors.New("failed")}}

	_, err := r.Run(context.Background(), []string{"true"})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), []string{"false"})
	assert.Error(t, err)

	assert.Equal(t, []string{"true", "false"}, r.Runs())
}

func TestRecorderOutput(t *testing.T) {
	r := &Recorder{
		Output: map[string]string{"systemctl is-enabled a.timer": "disabled\n"},
		Fail:   map[string]error{"systemctl is-enabled a.timer": errors.New("exit status 1")},
	}

	out, err := r.Run(context.Background(), []string{"systemctl", "is-enabled", "a.timer"})
	assert.Error(t, err)
	assert.Equal(t, "disabled\n", string(out))

	out, err = r.Run(context.Background(), []string{"echo"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

package economy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskState(t *testing.T) {
	t.Parallel()
	assert.False(t, TaskScheduled.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.False(t, TaskState("RUNNING").Valid())
}

func TestGrantArgs(t *testing.T) {
	t.Parallel()
	task := ScheduledTask{Args: GrantArgs("e1", "Potion", 3, UserID(42))}
	for k := range task.Args {
		assert.True(t, k.Valid(), k)
	}
	assert.Equal(t, "e1", task.Arg(ArgEntityID))
	assert.Equal(t, "42", task.Arg(ArgRequestedBy))
	n, err := task.IntArg(ArgQuantity)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestIntArgErrors(t *testing.T) {
	t.Parallel()
	var empty ScheduledTask
	assert.Equal(t, "", empty.Arg(ArgItem))
	_, err := empty.IntArg(ArgQuantity)
	assert.Error(t, err)

	bad := ScheduledTask{Args: map[ArgKey]string{ArgQuantity: " lots "}}
	_, err = bad.IntArg(ArgQuantity)
	assert.Error(t, err)
}

func TestParseUserID(t *testing.T) {
	t.Parallel()
	id, err := ParseUserID(" 1234 ")
	require.NoError(t, err)
	assert.Equal(t, UserID(1234), id)
	assert.Equal(t, "1234", id.String())

	_, err = ParseUserID("@alice")
	assert.Error(t, err)
}

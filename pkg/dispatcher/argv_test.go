package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommandBase(t *testing.T) {
	cmd, err := EncodeCommand("user-1", "job-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"python", containerScriptMountPath, "--user_id=user-1", "--job_id=job-1"}, cmd)
}

func TestEncodeCommandKinds(t *testing.T) {
	params := map[string]Param{
		"use_gpu":       BoolParam(true),
		"skip_dup":      BoolParam(false),
		"library_path":  StrParam("/data/lib"),
		"default_sr":    NumParam(44100),
		"target_id":     IDParam("abc-123"),
		"plugins":       ListParam([]string{"a", "b", "c"}),
	}

	cmd, err := EncodeCommand("user-1", "job-1", params)
	require.NoError(t, err)

	assert.Contains(t, cmd, "--use_gpu")
	assert.NotContains(t, cmd, "--skip_dup")
	assert.Contains(t, cmd, "--library_path=/data/lib")
	assert.Contains(t, cmd, "--default_sr=44100")
	assert.Contains(t, cmd, "--target_id=abc-123")

	// List becomes a flag followed by each item.
	idx := indexOf(cmd, "--plugins")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, []string{"a", "b", "c"}, cmd[idx+1:idx+4])
}

func TestEncodeCommandDeterministicOrder(t *testing.T) {
	params := map[string]Param{"z": BoolParam(true), "a": BoolParam(true)}
	cmd1, err := EncodeCommand("u", "j", params)
	require.NoError(t, err)
	cmd2, err := EncodeCommand("u", "j", params)
	require.NoError(t, err)
	assert.Equal(t, cmd1, cmd2)
	assert.Less(t, indexOf(cmd1, "--a"), indexOf(cmd1, "--z"))
}

func indexOf(haystack []string, needle string) int {
	for i, v := range haystack {
		if v == needle {
			return i
		}
	}
	return -1
}

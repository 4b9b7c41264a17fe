package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/execx"
)

func TestSlurmOracle_Snapshot(t *testing.T) {
	run := execx.NewFakeRunner()
	run.On("sinfo -h -N -p cloud", execx.Response{Output: `cloud-3|idle
cloud-1|idle
cloud-2|drained
cloud-2|drained
cloud-4|idle~
cloud-5|down*
cloud-6|allocated
cloud-7|mixed
`})
	run.On("squeue -h -t PD -p cloud", execx.Response{Output: "101\n102\n103\n"})

	o := NewSlurmOracle(run, nil)
	snap, err := o.Snapshot(context.Background(), cloudapi.NodeClass{Name: "c1", Partition: "cloud"})
	require.NoError(t, err)

	// Oracle order is preserved, not sorted.
	assert.Equal(t, []string{"cloud-3", "cloud-1"}, snap.Idle)
	assert.Equal(t, []string{"cloud-2", "cloud-4"}, snap.Drained)
	assert.Equal(t, []string{"cloud-5"}, snap.Down)
	assert.Equal(t, 3, snap.PendingJobs)
}

func TestSlurmOracle_PartitionDefaultsToClassName(t *testing.T) {
	run := execx.NewFakeRunner()
	o := NewSlurmOracle(run, nil)
	_, err := o.Snapshot(context.Background(), cloudapi.NodeClass{Name: "gpu"})
	require.NoError(t, err)
	assert.Equal(t, "sinfo -h -N -p gpu -o %N|%T", run.Calls()[0])
}

func TestSlurmOracle_SnapshotError(t *testing.T) {
	run := execx.NewFakeRunner()
	run.On("sinfo", execx.Response{Err: errors.New("controller down")})
	o := NewSlurmOracle(run, nil)
	_, err := o.Snapshot(context.Background(), cloudapi.NodeClass{Name: "c1"})
	assert.Error(t, err)
}

func TestSlurmOracle_Hint(t *testing.T) {
	run := execx.NewFakeRunner()
	o := NewSlurmOracle(run, nil)

	require.NoError(t, o.Hint(context.Background(), "cloud-1", Hint{Kind: HintResume, Address: "10.0.0.5"}))
	require.NoError(t, o.Hint(context.Background(), "cloud-2", Hint{Kind: HintDrain}))
	assert.Error(t, o.Hint(context.Background(), "cloud-3", Hint{Kind: "reboot"}))

	assert.Equal(t, []string{
		"scontrol update nodename=cloud-1 nodeaddr=10.0.0.5 nodehostname=10.0.0.5 state=resume",
		"scontrol update nodename=cloud-2 state=drain reason=skyway-released",
	}, run.Calls())
}

func TestClassifyNodeState(t *testing.T) {
	tests := []struct {
		state string
		want  string
	}{
		{"idle", "idle"},
		{"IDLE", "idle"},
		{"idle~", "drained"},
		{"idle#", "idle"},
		{"drained", "drained"},
		{"draining", "drained"},
		{"down*", "down"},
		{"not_responding", "down"},
		{"allocated", ""},
		{"mixed", ""},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyNodeState(tt.state))
		})
	}
}

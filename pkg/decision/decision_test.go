package decision

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recoverViolation(t *testing.T, f func()) (err error) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		v, ok := r.(types.InvariantViolation)
		require.True(t, ok, "unexpected panic %v", r)
		err = v
	}()
	f()
	return nil
}

func TestBatchKeepsEmissionOrder(t *testing.T) {
	b := NewBatch()
	b.AddExecuteJob("j1", intervalset.MustParse("0-3"), 0, nil)
	b.AddRejectJob("j2", 0, types.RejectNotEnoughResources)
	b.AddExecuteJob("j3", intervalset.New(4), 1, []int{4})
	b.AddCallMeLater(10, 1)

	require.Equal(t, 4, b.Len())
	assert.Equal(t, []string{"j1", "j3"}, b.JobIDs(ExecuteJob))
	assert.Equal(t, []string{"j2"}, b.JobIDs(RejectJob))

	d := b.Decisions()
	assert.Equal(t, "0-3", d[0].Machines.String())
	assert.Equal(t, "0-3", d[0].MachinesText)
	assert.Equal(t, types.RejectNotEnoughResources, d[1].Reason)
	assert.Equal(t, 10.0, d[3].FutureDate)

	b.Clear()
	assert.True(t, b.IsEmpty())
	b.AddRejectJob("j4", 0, types.RejectNotEnoughResources)
	assert.Equal(t, 1, b.Len(), "clearing resets the last date")
}

func TestBatchInvariants(t *testing.T) {
	tests := map[string]func(b *Batch){
		"date goes backwards": func(b *Batch) {
			b.AddRejectJob("a", 5, types.RejectNotEnoughResources)
			b.AddRejectJob("b", 4, types.RejectNotEnoughResources)
		},
		"execute on no machine": func(b *Batch) {
			b.AddExecuteJob("a", intervalset.IntervalSet{}, 0, nil)
		},
		"state change on no machine": func(b *Batch) {
			b.AddSetResourceState(intervalset.IntervalSet{}, 1, 0)
		},
		"call me in the past": func(b *Batch) {
			b.AddCallMeLater(1, 2)
		},
	}
	for name, f := range tests {
		t.Run(name, func(t *testing.T) {
			err := recoverViolation(t, func() { f(NewBatch()) })
			assert.True(t, errors.Is(err, types.ErrInvariantViolation))
		})
	}
}

func TestKillCopiesIDs(t *testing.T) {
	ids := []string{"a", "b"}
	b := NewBatch()
	b.AddKillJob(ids, 3)
	ids[0] = "z"
	assert.Equal(t, []string{"a", "b"}, b.JobIDs(KillJob))
}

func TestJSONLinesWriter(t *testing.T) {
	b := NewBatch()
	b.AddExecuteJob("j1", intervalset.MustParse("0-1"), 2, nil)
	b.AddSetResourceState(intervalset.New(3), types.MachineState(1), 2)

	var buf bytes.Buffer
	require.NoError(t, NewJSONLinesWriter(&buf).Publish(7, b.Decisions()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, 7.0, first["round"])
	assert.Equal(t, string(ExecuteJob), first["type"])
	assert.Equal(t, "0-1", first["machines"])
	assert.Equal(t, []interface{}{"j1"}, first["job_ids"])

	var second Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, SetResourceState, second.Type)
	assert.Equal(t, types.MachineState(1), second.State)
	assert.Equal(t, "3", second.Machines.String())
}

package engine

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/xela07ax/threatecho/internal/logqueue"
)

func TestPipelineReadBacklogIsReadOnly(t *testing.T) {
	st := seedStore(4)
	q, _ := logqueue.NewMemory(10)
	p := NewPipeline(st, q)

	events, err := p.ReadBacklog(context.Background(), 2)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(events))
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, int64(2), events[1].ID)
	assert.Equal(t, 4, st.Len())
}

func TestPipelineDrainLogs(t *testing.T) {
	st := seedStore(3)
	q, _ := logqueue.NewMemory(10)
	d := newDispatcher(st, &fakeSummarizer{}, newGeo(), q, 10, 2)
	_, err := d.RunCycle(context.Background())
	assert.Equal(t, nil, err)

	p := NewPipeline(st, q)
	recs, err := p.DrainLogs(context.Background(), 50)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(recs))

	recs, err = p.DrainLogs(context.Background(), 50)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(recs))
}

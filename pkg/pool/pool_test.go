package pool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultsInOrder(t *testing.T) {
	p := NewPool(&Config{
		MaxWorkers: 10,
		QueueDepth: 10,
	})
	defer p.Shutdown()

	fn := func(_ context.Context, payload interface{}) ([]byte, error) {
		i := payload.(int)
		return []byte(fmt.Sprintf("r%d", i)), nil
	}
	payloads := []interface{}{1, 2, 3, 4, 5}

	results, err := p.RunJobs(context.Background(), payloads, fn)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := range payloads {
		assert.Equal(t, fmt.Sprintf("r%d", i+1), string(results[i]))
	}
}

func TestError(t *testing.T) {
	p := NewPool(&Config{
		MaxWorkers: 1,
		QueueDepth: 10,
	})
	defer p.Shutdown()

	ret := fmt.Errorf("blerg")
	fn := func(_ context.Context, payload interface{}) ([]byte, error) {
		if payload.(int) == 3 {
			return nil, ret
		}
		return nil, nil
	}
	payloads := []interface{}{1, 2, 3, 4, 5}

	results, err := p.RunJobs(context.Background(), payloads, fn)
	assert.Nil(t, results)
	assert.Equal(t, ret, err)
}

func TestTooManyJobs(t *testing.T) {
	p := NewPool(&Config{
		MaxWorkers: 1,
		QueueDepth: 3,
	})
	defer p.Shutdown()

	fn := func(_ context.Context, _ interface{}) ([]byte, error) {
		return nil, nil
	}
	payloads := []interface{}{1, 2, 3, 4, 5}

	_, err := p.RunJobs(context.Background(), payloads, fn)
	assert.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	p := NewPool(&Config{
		MaxWorkers: 1,
		QueueDepth: 10,
	})
	defer p.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	fn := func(_ context.Context, _ interface{}) ([]byte, error) {
		ran = true
		return nil, nil
	}

	results, err := p.RunJobs(ctx, []interface{}{1}, fn)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Nil(t, results[0])
}

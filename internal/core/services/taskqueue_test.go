package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueFIFO(t *testing.T) {
	q := newTaskQueue()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, q.post(func() { order = append(order, i) }))
	}
	q.close()

	for {
		task, ok := q.next()
		if !ok {
			break
		}
		task()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTaskQueuePostAfterClose(t *testing.T) {
	q := newTaskQueue()
	q.close()
	assert.False(t, q.post(func() {}))

	_, ok := q.next()
	assert.False(t, ok)
}

func TestTaskQueueDrainsAfterClose(t *testing.T) {
	q := newTaskQueue()
	ran := false
	require.True(t, q.post(func() { ran = true }))
	q.close()

	task, ok := q.next()
	require.True(t, ok)
	task()
	assert.True(t, ran)

	_, ok = q.next()
	assert.False(t, ok)
}

func TestTaskQueueConcurrentPosters(t *testing.T) {
	q := newTaskQueue()
	const posters = 8
	const perPoster = 100

	var wg sync.WaitGroup
	for i := 0; i < posters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPoster; j++ {
				q.post(func() {})
			}
		}()
	}

	done := make(chan int)
	go func() {
		count := 0
		for {
			task, ok := q.next()
			if !ok {
				done <- count
				return
			}
			task()
			count++
		}
	}()

	wg.Wait()
	q.close()
	assert.Equal(t, posters*perPoster, <-done)
}

func TestTaskQueuePostFromRunningTask(t *testing.T) {
	q := newTaskQueue()
	ran := false
	require.True(t, q.post(func() {
		// Scheduling a follow-up turn from a running task must not block.
		q.post(func() { ran = true })
	}))

	for i := 0; i < 2; i++ {
		task, ok := q.next()
		require.True(t, ok)
		task()
	}
	assert.True(t, ran)
}

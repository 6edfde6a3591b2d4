package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestBasic(t *testing.T) {
	t.Run("1", func(t *testing.T) {
		back := make([]string, 0)
		q := New[string](func(e string) {
			back = append(back, e)
		})
		q.Push("one")
		time.Sleep(10 * time.Millisecond)
		q.Close(false)

		require.EqualValues(t, 1, len(back))
		require.EqualValues(t, "one", back[0])
	})
	t.Run("2", func(t *testing.T) {
		back := make([]string, 0)
		q := New[string](func(e string) {
			back = append(back, e)
		})
		q.Push("one")
		q.Push("two")
		time.Sleep(10 * time.Millisecond)
		q.Close(false)

		require.EqualValues(t, 2, len(back))
		require.EqualValues(t, "one", back[0])
		require.EqualValues(t, "two", back[1])
	})
	t.Run("3", func(t *testing.T) {
		const n = 100_000
		var counter atomic.Int32
		q := New[int](func(e int) {
			counter.Inc()
		})
		require.EqualValues(t, 0, q.Len())
		for i := 0; i < n; i++ {
			q.Push(i)
		}
		q.Close(true)
		time.Sleep(300 * time.Millisecond)
		require.EqualValues(t, n, int(counter.Load()))
		require.EqualValues(t, 0, q.Len())
	})
}

func TestMultiThread(t *testing.T) {
	const (
		nRoutines = 10
		nMessages = 1000
	)
	var counter atomic.Int32
	q := New[int](func(i int) {
		counter.Inc()
	})
	var wg sync.WaitGroup
	for i := 0; i < nRoutines; i++ {
		wg.Add(1)
		go func() {
			for j := 0; j < nMessages; j++ {
				q.Push(1)
			}
			wg.Done()
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(10 * time.Second)
	for int(counter.Load()) != nRoutines*nMessages {
		require.True(t, time.Now().Before(deadline), "timeout waiting for the consumer")
		time.Sleep(10 * time.Millisecond)
	}
	q.Close(false)
}

func TestPushAfterClose(t *testing.T) {
	var counter atomic.Int32
	q := New[int](func(i int) {
		counter.Inc()
	})
	q.Push(1)
	time.Sleep(10 * time.Millisecond)
	q.Close(false)
	// ignored, not a panic
	q.Push(2)
	time.Sleep(10 * time.Millisecond)
	require.EqualValues(t, 1, int(counter.Load()))
}

func TestPriority(t *testing.T) {
	const nMessages = 100

	var counter atomic.Int32
	all := make(map[int]int)
	var mutex sync.Mutex
	q := New[int](func(i int) {
		counter.Inc()
		mutex.Lock()
		all[i] = all[i] + 1
		mutex.Unlock()
	})

	for i := 0; i < nMessages; i++ {
		q.Push(i, i%3 == 0)
	}
	time.Sleep(500 * time.Millisecond)
	require.EqualValues(t, nMessages, int(counter.Load()))
	require.EqualValues(t, nMessages, len(all))
	for _, v := range all {
		require.EqualValues(t, 1, v)
	}
}

package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/errors"
)

func TestRing_FIFO(t *testing.T) {
	r := NewRing[string](3)
	assert.Equal(t, 3, r.Cap())

	for _, s := range []string{"a", "b"} {
		dropped, err := r.Write(s)
		require.NoError(t, err)
		assert.False(t, dropped)
	}
	assert.Equal(t, 2, r.Len())

	got, ok := r.Read()
	require.True(t, ok)
	assert.Equal(t, "a", got)

	_, _ = r.Write("c")
	_, _ = r.Write("d")
	assert.Equal(t, []string{"b", "c", "d"}, r.Drain(0))

	_, ok = r.Read()
	assert.False(t, ok)
	assert.Nil(t, r.Drain(5))
}

func TestRing_Overflow(t *testing.T) {
	tests := []struct {
		policy  OverflowPolicy
		want    []int
		dropped []int
	}{
		{DropOldest, []int{3, 4}, []int{1, 2}},
		{DropNewest, []int{1, 2}, []int{3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			var lost []int
			r := NewRing[int](2,
				WithOverflowPolicy[int](tt.policy),
				WithDropCallback[int](func(v int) { lost = append(lost, v) }))

			drops := 0
			for i := 1; i <= 4; i++ {
				dropped, err := r.Write(i)
				require.NoError(t, err)
				if dropped {
					drops++
				}
			}
			assert.Equal(t, 2, drops)
			assert.Equal(t, tt.dropped, lost)
			assert.Equal(t, tt.want, r.Drain(0))

			stats := r.Stats()
			assert.EqualValues(t, 2, stats.Drops)
			assert.EqualValues(t, 2, stats.Reads)
			assert.Equal(t, 2, stats.MaxSize)
			assert.Equal(t, 0, stats.Size)
		})
	}
}

func TestRing_DrainPartial(t *testing.T) {
	r := NewRing[int](4)
	for i := range 4 {
		_, _ = r.Write(i)
	}
	assert.Equal(t, []int{0, 1}, r.Drain(2))
	assert.Equal(t, 2, r.Len())
	_, _ = r.Write(4)
	assert.Equal(t, []int{2, 3, 4}, r.Drain(10))
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := NewRing[int](0)
	assert.Equal(t, 1, r.Cap())
	_, _ = r.Write(1)
	dropped, _ := r.Write(2)
	assert.True(t, dropped)
	v, _ := r.Read()
	assert.Equal(t, 2, v)
}

func TestRing_Notify(t *testing.T) {
	r := NewRing[int](8)
	select {
	case <-r.Notify():
		t.Fatal("no write yet")
	default:
	}

	_, _ = r.Write(1)
	_, _ = r.Write(2)
	select {
	case <-r.Notify():
	case <-time.After(time.Second):
		t.Fatal("write did not notify")
	}
	assert.Len(t, r.Drain(0), 2, "writes collapse into one signal")
}

func TestRing_Close(t *testing.T) {
	r := NewRing[int](2)
	_, _ = r.Write(1)
	r.Close()

	_, err := r.Write(2)
	assert.True(t, errors.IsInvalid(err))
	v, ok := r.Read()
	assert.True(t, ok, "buffered items survive close")
	assert.Equal(t, 1, v)
}

func TestRing_Concurrent(t *testing.T) {
	r := NewRing[int](16)
	const writers, perWriter = 4, 500

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				_, _ = r.Write(w*perWriter + i)
			}
		}()
	}

	done := make(chan struct{})
	var read int
	go func() {
		defer close(done)
		for {
			select {
			case <-r.Notify():
				read += len(r.Drain(0))
			case <-time.After(100 * time.Millisecond):
				read += len(r.Drain(0))
				return
			}
		}
	}()
	wg.Wait()
	<-done
	read += len(r.Drain(0))

	stats := r.Stats()
	assert.EqualValues(t, writers*perWriter, stats.Writes)
	assert.EqualValues(t, writers*perWriter, uint64(read)+stats.Drops)
}

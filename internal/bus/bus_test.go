package bus

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(zerolog.Nop())
}

func TestEmit_RegistrationOrder(t *testing.T) {
	b := newTestBus()

	var got []int
	for i := range 5 {
		b.On("alpha", func(string) error {
			got = append(got, i)
			return nil
		})
	}

	assert.Equal(t, 5, b.Emit("alpha"))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestEmit_KeyedByPad(t *testing.T) {
	b := newTestBus()

	var alpha, beta int
	b.On("alpha", func(string) error { alpha++; return nil })
	b.On("beta", func(string) error { beta++; return nil })

	b.Emit("alpha")
	b.Emit("alpha")
	b.Emit("beta")

	assert.Equal(t, 2, alpha)
	assert.Equal(t, 1, beta)
	assert.Equal(t, 0, b.Emit("gamma"), "no listeners, signal lost")
}

func TestEmit_FailureIsolation(t *testing.T) {
	b := newTestBus()

	var calls []string
	b.On("alpha", func(string) error { calls = append(calls, "first"); return nil })
	b.On("alpha", func(string) error { calls = append(calls, "erroring"); return errors.New("broken pipe") })
	b.On("alpha", func(string) error { calls = append(calls, "panicking"); panic("boom") })
	b.On("alpha", func(string) error { calls = append(calls, "last"); return nil })

	assert.Equal(t, 2, b.Emit("alpha"))
	assert.Equal(t, []string{"first", "erroring", "panicking", "last"}, calls)

	emitted, failed := b.Stats()
	assert.Equal(t, uint64(1), emitted)
	assert.Equal(t, uint64(2), failed)
}

func TestEmit_ListenerReceivesPadName(t *testing.T) {
	b := newTestBus()

	var got string
	b.On("weekly-news", func(pad string) error { got = pad; return nil })
	b.Emit("weekly-news")
	assert.Equal(t, "weekly-news", got)
}

func TestOff(t *testing.T) {
	b := newTestBus()

	var calls int
	h1 := b.On("alpha", func(string) error { calls++; return nil })
	h2 := b.On("alpha", func(string) error { calls += 10; return nil })
	assert.Equal(t, "alpha", h1.Pad())
	assert.Equal(t, 2, b.Listeners("alpha"))

	require.True(t, b.Off(h1))
	assert.False(t, b.Off(h1), "second Off is a no-op")
	assert.Equal(t, 1, b.Listeners("alpha"))

	b.Emit("alpha")
	assert.Equal(t, 10, calls)

	require.True(t, b.Off(h2))
	assert.Equal(t, 0, b.Listeners("alpha"))
	assert.Equal(t, 0, b.Topics(), "empty table removed")

	b.Emit("alpha")
	assert.Equal(t, 10, calls)
}

func TestOff_UnknownHandle(t *testing.T) {
	b := newTestBus()
	assert.False(t, b.Off(Handle{pad: "nope", id: 42}))

	b.On("alpha", func(string) error { return nil })
	assert.False(t, b.Off(Handle{pad: "alpha", id: 42}))
	assert.Equal(t, 1, b.Listeners("alpha"))
}

func TestOffDuringEmit(t *testing.T) {
	b := newTestBus()

	var h Handle
	var second int
	h = b.On("alpha", func(string) error {
		b.Off(h)
		return nil
	})
	b.On("alpha", func(string) error { second++; return nil })

	// The snapshot taken by Emit still includes both listeners.
	assert.Equal(t, 2, b.Emit("alpha"))
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, b.Listeners("alpha"))
}

func TestConcurrentOnOff(t *testing.T) {
	b := newTestBus()

	const n = 100
	handles := make([]Handle, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = b.On("alpha", func(string) error { return nil })
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, b.Listeners("alpha"))

	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Emit("alpha")
			assert.True(t, b.Off(handles[i]))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, b.Listeners("alpha"))
	assert.Equal(t, 0, b.Topics())
}

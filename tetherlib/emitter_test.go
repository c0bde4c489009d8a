package tetherlib

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversInRegistrationOrder(t *testing.T) {
	var e Emitter[int]

	var order []string
	e.Subscribe(func(v int) { order = append(order, "a") })
	e.Subscribe(func(v int) { order = append(order, "b") })
	e.Subscribe(func(v int) { order = append(order, "c") })

	e.Emit(1)
	e.Emit(2)
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestEmitterCancel(t *testing.T) {
	var e Emitter[string]

	var got []string
	cancel := e.Subscribe(func(v string) { got = append(got, "first:"+v) })
	e.Subscribe(func(v string) { got = append(got, "second:"+v) })

	e.Emit("x")
	cancel()
	cancel() // idempotent
	e.Emit("y")

	require.Equal(t, []string{"first:x", "second:x", "second:y"}, got)
}

func TestEmitterSnapshotsListeners(t *testing.T) {
	var e Emitter[int]

	n := 0
	e.Subscribe(func(v int) {
		n++
		if n == 1 {
			// registration during delivery takes effect from the next emit
			e.Subscribe(func(int) { n += 10 })
		}
	})

	e.Emit(1)
	require.Equal(t, 1, n)
	e.Emit(2)
	require.Equal(t, 12, n)
}

func TestEmitterNoListeners(t *testing.T) {
	var e Emitter[int]
	e.Emit(1) // must not panic
}

package dav

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainRunsByPriorityThenRegistration(t *testing.T) {
	var c Chain[UnbindListener]
	var order []string
	add := func(prio int, name string, out Outcome) {
		c.On(prio, func(ctx context.Context, path string) (Outcome, error) {
			order = append(order, name)
			return out, nil
		})
	}
	add(200, "late", Continue)
	add(100, "first", Continue)
	add(100, "second", Continue)
	add(10, "early", Continue)

	out, err := emit(&c, func(l UnbindListener) (Outcome, error) { return l(context.Background(), "x") })
	assert.NoError(t, err)
	assert.Equal(t, Continue, out)
	assert.Equal(t, []string{"early", "first", "second", "late"}, order)
}

func TestChainStopAndError(t *testing.T) {
	var c Chain[UnbindListener]
	calls := 0
	c.On(1, func(ctx context.Context, path string) (Outcome, error) { calls++; return Stop, nil })
	c.On(2, func(ctx context.Context, path string) (Outcome, error) { calls++; return Continue, nil })
	out, err := emit(&c, func(l UnbindListener) (Outcome, error) { return l(context.Background(), "x") })
	assert.NoError(t, err)
	assert.Equal(t, Stop, out)
	assert.Equal(t, 1, calls)

	var failing Chain[UnbindListener]
	boom := errors.New("boom")
	failing.On(1, func(ctx context.Context, path string) (Outcome, error) { return Continue, boom })
	_, err = emit(&failing, func(l UnbindListener) (Outcome, error) { return l(context.Background(), "x") })
	assert.ErrorIs(t, err, boom)
}

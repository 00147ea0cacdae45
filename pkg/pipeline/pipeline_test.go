package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/naphtha/eastwood/pkg/session"
)

func upstreamItem(name string, payload []byte) session.Item {
	return session.Item{Direction: session.Upstream, Name: name, Payload: payload}
}

func downstreamItem(name string, payload []byte) session.Item {
	return session.Item{Direction: session.Downstream, Name: name, Payload: payload}
}

func TestDispatchPassesUnhandledPacketsThrough(t *testing.T) {
	p := New(Module{Name: "noop"})
	sess := session.NewClient(session.NewID())

	result := p.Dispatch(sess, upstreamItem("handshake", []byte{1, 2, 3}))
	assert.Equal(t, Pass, result.Action)
	assert.Equal(t, "handshake", result.Name)
	assert.Equal(t, []byte{1, 2, 3}, result.Payload)
}

func TestDispatchRoutesByDirection(t *testing.T) {
	recvCalled, sendCalled := false, false
	mod := Module{
		Name: "sided",
		Recv: map[string]Handler{
			"chat": func(*session.Client, session.Item) Result {
				recvCalled = true
				return Result{Action: Pass}
			},
		},
		Send: map[string]Handler{
			"chat": func(*session.Client, session.Item) Result {
				sendCalled = true
				return Result{Action: Pass}
			},
		},
	}
	p := New(mod)
	sess := session.NewClient(session.NewID())

	p.Dispatch(sess, upstreamItem("chat", nil))
	assert.True(t, recvCalled)
	assert.False(t, sendCalled)

	recvCalled, sendCalled = false, false
	p.Dispatch(sess, downstreamItem("chat", nil))
	assert.False(t, recvCalled)
	assert.True(t, sendCalled)
}

func TestDispatchFirstMatchingModuleWins(t *testing.T) {
	first := Module{
		Name: "first",
		Recv: map[string]Handler{
			"join_game": func(_ *session.Client, item session.Item) Result {
				return Result{Action: Replace, Name: item.Name, Payload: []byte("rewritten-once")}
			},
		},
	}

	secondCalled := false
	second := Module{
		Name: "second",
		Recv: map[string]Handler{
			"join_game": func(_ *session.Client, item session.Item) Result {
				secondCalled = true
				return Result{Action: Replace, Name: item.Name, Payload: []byte("rewritten-twice")}
			},
		},
	}

	p := New(first, second)
	sess := session.NewClient(session.NewID())

	result := p.Dispatch(sess, upstreamItem("join_game", []byte("original")))
	assert.False(t, secondCalled, "first module's handler should win; second must never run")
	assert.Equal(t, Replace, result.Action)
	assert.Equal(t, []byte("rewritten-once"), result.Payload)
}

func TestDispatchFallsThroughToNextModuleWhenEarlierHasNoHandler(t *testing.T) {
	first := Module{Name: "first"}

	secondCalled := false
	second := Module{
		Name: "second",
		Recv: map[string]Handler{
			"join_game": func(*session.Client, session.Item) Result {
				secondCalled = true
				return Result{Action: Replace, Name: "join_game", Payload: []byte("handled")}
			},
		},
	}

	p := New(first, second)
	sess := session.NewClient(session.NewID())

	result := p.Dispatch(sess, upstreamItem("join_game", []byte("original")))
	assert.True(t, secondCalled, "first module declares no handler for join_game, so second must run")
	assert.Equal(t, []byte("handled"), result.Payload)
}

func TestDispatchDropShortCircuitsLaterModules(t *testing.T) {
	laterCalled := false
	dropper := Module{
		Name: "dropper",
		Recv: map[string]Handler{
			"keep_alive": func(*session.Client, session.Item) Result {
				return Result{Action: Drop}
			},
		},
	}
	later := Module{
		Name: "later",
		Recv: map[string]Handler{
			"keep_alive": func(*session.Client, session.Item) Result {
				laterCalled = true
				return Result{Action: Pass}
			},
		},
	}

	p := New(dropper, later)
	sess := session.NewClient(session.NewID())

	result := p.Dispatch(sess, upstreamItem("keep_alive", nil))
	assert.Equal(t, Drop, result.Action)
	assert.False(t, laterCalled, "dropper should short-circuit the rest of the chain")
}

func TestDispatchEmptyPipelinePassesThrough(t *testing.T) {
	p := New()
	sess := session.NewClient(session.NewID())

	result := p.Dispatch(sess, upstreamItem("anything", []byte("x")))
	assert.Equal(t, Pass, result.Action)
	assert.Equal(t, []byte("x"), result.Payload)
}

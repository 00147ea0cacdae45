// Package pipeline implements the module dispatch chain: an ordered
// list of modules each connection runs its packets through, using a
// compiled-at-construction dispatch table over a closed set of modules
// rather than base_protocol.py's PacketDispatcher's getattr-based duck
// typing.
package pipeline

import (
	"github.com/naphtha/eastwood/pkg/session"
)

// Action tags what a module did with a packet it was handed.
type Action int

const (
	// Pass leaves the packet unchanged; the caller forwards the original
	// bytes and no later module sees the packet.
	Pass Action = iota
	// Replace substitutes the packet with a new name/payload the module
	// returns; the caller forwards the replacement and no later module
	// sees it.
	Replace
	// Drop removes the packet entirely; it is neither forwarded nor
	// seen by later modules.
	Drop
)

// Result is what a module handler returns after inspecting one packet.
type Result struct {
	Action  Action
	Name    string
	Payload []byte
}

// Handler is one module's reaction to one named packet for one session
// and direction.
type Handler func(sess *session.Client, item session.Item) Result

// Module is one named, ordered stage in the pipeline. Recv handles
// client->server packets, Send handles server->client packets. Either may
// be nil, meaning this module passes that direction through untouched.
type Module struct {
	Name string
	Recv map[string]Handler
	Send map[string]Handler
}

// Pipeline runs an ordered list of Modules over each packet. It is built
// once at startup from a closed set of Modules — there is no runtime
// registration — which is what lets dispatch be a flat map lookup instead
// of reflection.
type Pipeline struct {
	modules []Module
}

// New builds a Pipeline that runs modules in the given order for every
// packet.
func New(modules ...Module) *Pipeline {
	return &Pipeline{modules: modules}
}

// Dispatch runs item through the modules in order for the given direction
// and returns the Result of the first one that declares a handler for
// item.Name — later modules never see the packet, matching or not.
// Action==Drop means the caller must not forward the packet.
func (p *Pipeline) Dispatch(sess *session.Client, item session.Item) Result {
	for _, mod := range p.modules {
		table := mod.Recv
		if item.Direction == session.Downstream {
			table = mod.Send
		}
		if table == nil {
			continue
		}
		handler, ok := table[item.Name]
		if !ok {
			continue
		}
		r := handler(sess, item)
		if r.Action == Drop {
			return Result{Action: Drop}
		}
		return r
	}
	return Result{Action: Pass, Name: item.Name, Payload: item.Payload}
}

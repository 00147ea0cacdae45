package mc

import (
	"go.uber.org/zap"

	"github.com/naphtha/eastwood/pkg/pipeline"
	"github.com/naphtha/eastwood/pkg/session"
)

// PipelineModule wires dimension tracking into the downstream half of the
// packet pipeline: join_game and respawn both carry the dimension a
// session is about to render, which the chunk-cache module needs to know
// before it sees that session's next chunk_data. Handshake interception
// and login_success's send-then-switch ordering both need direct access
// to the connection's write path and a client address, so those stay in
// the proxy package rather than going through this generic dispatch.
func (a *Adapter) PipelineModule() pipeline.Module {
	pass := func(item session.Item) pipeline.Result {
		return pipeline.Result{Action: pipeline.Pass, Name: item.Name, Payload: item.Payload}
	}
	return pipeline.Module{
		Name: "mc_adapter",
		Send: map[string]pipeline.Handler{
			NameJoinGame: func(sess *session.Client, item session.Item) pipeline.Result {
				if err := a.HandleJoinGame(sess, item.Payload); err != nil {
					zap.L().Warn("mc: decode join_game", zap.Error(err))
				}
				return pass(item)
			},
			NameRespawn: func(sess *session.Client, item session.Item) pipeline.Result {
				if err := a.HandleRespawn(sess, item.Payload); err != nil {
					zap.L().Warn("mc: decode respawn", zap.Error(err))
				}
				return pass(item)
			},
		},
	}
}

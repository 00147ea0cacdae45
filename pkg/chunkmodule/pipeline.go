package chunkmodule

import (
	"go.uber.org/zap"

	"github.com/naphtha/eastwood/pkg/mc"
	"github.com/naphtha/eastwood/pkg/pipeline"
	"github.com/naphtha/eastwood/pkg/session"
)

// PipelineModule wires the chunk-cache module into the downstream
// (server->client) half of the packet pipeline: chunk_data is rewritten
// or dropped per HandleChunkData's verdict, and the four delta packet
// types mutate whatever cached column they touch while always passing
// through unchanged to the client.
func (m *Module) PipelineModule() pipeline.Module {
	pass := func(item session.Item) pipeline.Result {
		return pipeline.Result{Action: pipeline.Pass, Name: item.Name, Payload: item.Payload}
	}

	return pipeline.Module{
		Name: "chunk_cacher",
		Send: map[string]pipeline.Handler{
			mc.NameChunkData: func(sess *session.Client, item session.Item) pipeline.Result {
				cd, err := mc.DecodeChunkData(item.Payload)
				if err != nil {
					zap.L().Warn("chunkmodule: decode chunk_data", zap.Error(err))
					return pass(item)
				}
				res, err := m.HandleChunkData(sess.Dimension, cd)
				if err != nil {
					zap.L().Warn("chunkmodule: handle chunk_data", zap.Error(err))
					return pass(item)
				}
				if res.Drop {
					return pipeline.Result{Action: pipeline.Drop}
				}
				return pipeline.Result{Action: pipeline.Replace, Name: item.Name, Payload: res.Forward}
			},
			mc.NameBlockChange: func(sess *session.Client, item session.Item) pipeline.Result {
				bc, err := mc.DecodeBlockChange(item.Payload)
				if err != nil {
					zap.L().Warn("chunkmodule: decode block_change", zap.Error(err))
					return pass(item)
				}
				if err := m.ApplyBlockChange(sess.Dimension, item.Payload, bc); err != nil {
					zap.L().Warn("chunkmodule: apply block_change", zap.Error(err))
				}
				return pass(item)
			},
			mc.NameMultiBlockChange: func(sess *session.Client, item session.Item) pipeline.Result {
				mb, err := mc.DecodeMultiBlockChange(item.Payload)
				if err != nil {
					zap.L().Warn("chunkmodule: decode multi_block_change", zap.Error(err))
					return pass(item)
				}
				if err := m.ApplyMultiBlockChange(sess.Dimension, item.Payload, mb); err != nil {
					zap.L().Warn("chunkmodule: apply multi_block_change", zap.Error(err))
				}
				return pass(item)
			},
			mc.NameExplosion: func(sess *session.Client, item session.Item) pipeline.Result {
				ex, err := mc.DecodeExplosion(item.Payload)
				if err != nil {
					zap.L().Warn("chunkmodule: decode explosion", zap.Error(err))
					return pass(item)
				}
				if err := m.ApplyExplosion(sess.Dimension, item.Payload, ex); err != nil {
					zap.L().Warn("chunkmodule: apply explosion", zap.Error(err))
				}
				return pass(item)
			},
			mc.NameUpdateBlockEntity: func(sess *session.Client, item session.Item) pipeline.Result {
				u, err := mc.DecodeUpdateBlockEntity(item.Payload)
				if err != nil {
					zap.L().Warn("chunkmodule: decode update_block_entity", zap.Error(err))
					return pass(item)
				}
				if err := m.ApplyUpdateBlockEntity(sess.Dimension, item.Payload, u); err != nil {
					zap.L().Warn("chunkmodule: apply update_block_entity", zap.Error(err))
				}
				return pass(item)
			},
		},
	}
}

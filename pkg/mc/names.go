package mc

// Packet names this core interprets. Every other name flows through the
// pipeline and link opaquely as (name, payload).
const (
	NameHandshake         = "handshake"
	NameLoginSuccess      = "login_success"
	NameJoinGame          = "join_game"
	NameRespawn           = "respawn"
	NameChunkData         = "chunk_data"
	NameBlockChange       = "block_change"
	NameMultiBlockChange  = "multi_block_change"
	NameExplosion         = "explosion"
	NameUpdateBlockEntity = "update_block_entity"
)

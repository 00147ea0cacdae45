// Package mc defines the narrow slice of the Minecraft protocol this proxy
// pair actually inspects (handshake, login_success, join_game, respawn,
// chunk_data, block_change, multi_block_change, explosion,
// update_block_entity) plus the per-client protocol adapter
// that tracks a session's mode and rewrites its handshake. Every other
// packet is treated as an opaque (name, payload) pair and passed through
// unexamined.
package mc

import (
	"github.com/naphtha/eastwood/pkg/proto"
)

// Handshake is the first packet of any connection, naming the protocol
// version, the host/port the client dialed, and the state it wants next.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       int32
}

func DecodeHandshake(payload []byte) (Handshake, error) {
	r := proto.NewReader(payload)
	var h Handshake
	var err error
	if h.ProtocolVersion, err = r.ReadVarInt(); err != nil {
		return h, err
	}
	if h.ServerAddress, err = r.ReadString(); err != nil {
		return h, err
	}
	if h.ServerPort, err = r.ReadUint16(); err != nil {
		return h, err
	}
	if h.NextState, err = r.ReadVarInt(); err != nil {
		return h, err
	}
	return h, nil
}

func EncodeHandshake(h Handshake) []byte {
	w := proto.NewWriter()
	w.WriteVarInt(h.ProtocolVersion)
	w.WriteString(h.ServerAddress)
	w.WriteUint16(h.ServerPort)
	w.WriteVarInt(h.NextState)
	return w.Bytes()
}

// LoginSuccess carries nothing this adapter needs beyond its existence as
// a mode-transition trigger; its bytes pass through verbatim.
type LoginSuccess struct {
	Raw []byte
}

// JoinGame carries the dimension the client is about to render; every
// other field is preserved verbatim in Rest.
type JoinGame struct {
	Dimension int32
	Rest      []byte
}

func DecodeJoinGame(payload []byte) (JoinGame, error) {
	r := proto.NewReader(payload)
	dim, err := r.ReadInt32()
	if err != nil {
		return JoinGame{}, err
	}
	rest := make([]byte, len(r.Remaining()))
	copy(rest, r.Remaining())
	return JoinGame{Dimension: dim, Rest: rest}, nil
}

func EncodeJoinGame(j JoinGame) []byte {
	w := proto.NewWriter()
	w.WriteInt32(j.Dimension)
	w.WriteBytes(j.Rest)
	return w.Bytes()
}

// Respawn carries the dimension the client is moving to on a respawn/
// dimension-change event.
type Respawn struct {
	Dimension int32
	Rest      []byte
}

func DecodeRespawn(payload []byte) (Respawn, error) {
	r := proto.NewReader(payload)
	dim, err := r.ReadInt32()
	if err != nil {
		return Respawn{}, err
	}
	rest := make([]byte, len(r.Remaining()))
	copy(rest, r.Remaining())
	return Respawn{Dimension: dim, Rest: rest}, nil
}

func EncodeRespawn(rs Respawn) []byte {
	w := proto.NewWriter()
	w.WriteInt32(rs.Dimension)
	w.WriteBytes(rs.Rest)
	return w.Bytes()
}

// ChunkData is a chunk column broadcast. FullChunk distinguishes a
// complete column send (cacheable) from a partial update.
type ChunkData struct {
	ChunkX, ChunkZ int32
	FullChunk      bool
	Column         []byte // this module's own ChunkColumn.Encode() form
}

func DecodeChunkData(payload []byte) (ChunkData, error) {
	r := proto.NewReader(payload)
	var c ChunkData
	var err error
	if c.ChunkX, err = r.ReadInt32(); err != nil {
		return c, err
	}
	if c.ChunkZ, err = r.ReadInt32(); err != nil {
		return c, err
	}
	if c.FullChunk, err = r.ReadBool(); err != nil {
		return c, err
	}
	body, err := r.ReadPacket()
	if err != nil {
		return c, err
	}
	c.Column = make([]byte, len(body))
	copy(c.Column, body)
	return c, nil
}

func EncodeChunkData(c ChunkData) []byte {
	w := proto.NewWriter()
	w.WriteInt32(c.ChunkX)
	w.WriteInt32(c.ChunkZ)
	w.WriteBool(c.FullChunk)
	w.WritePacket(c.Column)
	return w.Bytes()
}

// BlockChange updates one block.
type BlockChange struct {
	X, Y, Z int
	BlockID int32
}

func DecodeBlockChange(payload []byte) (BlockChange, error) {
	r := proto.NewReader(payload)
	x, y, z, err := r.ReadPosition()
	if err != nil {
		return BlockChange{}, err
	}
	id, err := r.ReadVarInt()
	if err != nil {
		return BlockChange{}, err
	}
	return BlockChange{X: x, Y: y, Z: z, BlockID: id}, nil
}

func EncodeBlockChange(b BlockChange) []byte {
	w := proto.NewWriter()
	w.WritePosition(b.X, b.Y, b.Z)
	w.WriteVarInt(b.BlockID)
	return w.Bytes()
}

// MultiBlockChange updates many blocks within one chunk section in a
// single packet.
type MultiBlockChange struct {
	ChunkX, ChunkZ, ChunkY int32
	Changes                []BlockChangeRecord
}

type BlockChangeRecord struct {
	X, Y, Z int
	BlockID int32
}

func DecodeMultiBlockChange(payload []byte) (MultiBlockChange, error) {
	r := proto.NewReader(payload)
	var m MultiBlockChange
	var err error
	if m.ChunkX, err = r.ReadInt32(); err != nil {
		return m, err
	}
	if m.ChunkZ, err = r.ReadInt32(); err != nil {
		return m, err
	}
	if m.ChunkY, err = r.ReadInt32(); err != nil {
		return m, err
	}
	count, err := r.ReadVarInt()
	if err != nil {
		return m, err
	}
	for i := int32(0); i < count; i++ {
		x, y, z, err := r.ReadPosition()
		if err != nil {
			return m, err
		}
		id, err := r.ReadVarInt()
		if err != nil {
			return m, err
		}
		m.Changes = append(m.Changes, BlockChangeRecord{X: x, Y: y, Z: z, BlockID: id})
	}
	return m, nil
}

func EncodeMultiBlockChange(m MultiBlockChange) []byte {
	w := proto.NewWriter()
	w.WriteInt32(m.ChunkX)
	w.WriteInt32(m.ChunkZ)
	w.WriteInt32(m.ChunkY)
	w.WriteVarInt(int32(len(m.Changes)))
	for _, c := range m.Changes {
		w.WritePosition(c.X, c.Y, c.Z)
		w.WriteVarInt(c.BlockID)
	}
	return w.Bytes()
}

// Explosion carries the affected-block offsets (relative to the
// explosion's origin) that the chunk module must clear to air.
type Explosion struct {
	X, Y, Z float32
	Records []ExplosionRecord
	Rest    []byte
}

type ExplosionRecord struct{ DX, DY, DZ int8 }

func DecodeExplosion(payload []byte) (Explosion, error) {
	r := proto.NewReader(payload)
	var e Explosion
	var err error
	if e.X, err = r.ReadFloat32(); err != nil {
		return e, err
	}
	if e.Y, err = r.ReadFloat32(); err != nil {
		return e, err
	}
	if e.Z, err = r.ReadFloat32(); err != nil {
		return e, err
	}
	if _, err = r.ReadFloat32(); err != nil { // radius, unused here
		return e, err
	}
	count, err := r.ReadInt32()
	if err != nil {
		return e, err
	}
	for i := int32(0); i < count; i++ {
		dx, err := r.ReadByte()
		if err != nil {
			return e, err
		}
		dy, err := r.ReadByte()
		if err != nil {
			return e, err
		}
		dz, err := r.ReadByte()
		if err != nil {
			return e, err
		}
		e.Records = append(e.Records, ExplosionRecord{DX: int8(dx), DY: int8(dy), DZ: int8(dz)})
	}
	rest := make([]byte, len(r.Remaining()))
	copy(rest, r.Remaining())
	e.Rest = rest
	return e, nil
}

// UpdateBlockEntity upserts or clears a tile entity's NBT compound.
type UpdateBlockEntity struct {
	X, Y, Z int
	Action  byte
	NBT     []byte // raw, opaque compound bytes (see proto.ReadRawNBT)
}

func DecodeUpdateBlockEntity(payload []byte) (UpdateBlockEntity, error) {
	r := proto.NewReader(payload)
	x, y, z, err := r.ReadPosition()
	if err != nil {
		return UpdateBlockEntity{}, err
	}
	action, err := r.ReadByte()
	if err != nil {
		return UpdateBlockEntity{}, err
	}
	nbt, err := r.ReadRawNBT()
	if err != nil {
		return UpdateBlockEntity{}, err
	}
	return UpdateBlockEntity{X: x, Y: y, Z: z, Action: action, NBT: nbt}, nil
}

func EncodeUpdateBlockEntity(u UpdateBlockEntity) []byte {
	w := proto.NewWriter()
	w.WritePosition(u.X, u.Y, u.Z)
	w.WriteByte(u.Action)
	w.WriteRawNBT(u.NBT)
	return w.Bytes()
}

// Package link implements the inter-proxy "EW" protocol: the single
// long-lived, optionally-compressed and encrypted TCP connection that
// carries batched client packets (poems) plus a handful of control
// messages between the external and internal proxy.
package link

import (
	"github.com/google/uuid"

	"github.com/naphtha/eastwood/pkg/proto"
	"github.com/naphtha/eastwood/pkg/session"
)

// Link packet IDs. poem/delete_conn/add_conn/release_queue match
// ew_packet.py's packet_ids table; auth and toggle_chunk are additions
// this link protocol needs that the original packet_ids table didn't.
const (
	PacketPoem uint8 = iota
	PacketDeleteConn
	PacketAddConn
	PacketReleaseQueue
	PacketAuth
	PacketToggleChunk
)

// PoemItem is one multiplexed client packet carried inside a poem: a
// session id tagging which client it belongs to, the packet's name (the
// mc adapter's symbolic name, not its numeric Minecraft id), and its raw
// payload.
type PoemItem struct {
	Session session.ID
	Name    string
	Payload []byte
}

// EncodePoemItem appends one item's wire encoding to w:
// SessionID ∥ varint_len(inner) ∥ inner, where
// inner = varint_len(name) ∥ name ∥ payload.
func EncodePoemItem(w *proto.Writer, item PoemItem) {
	w.WriteUUID(uuid.UUID(item.Session))
	inner := proto.NewWriter()
	inner.WriteString(item.Name)
	inner.WriteBytes(item.Payload)
	w.WritePacket(inner.Bytes())
}

// DecodePoem decodes a poem body into its items. Items are read until
// buffer underrun; an underrun mid-item is not an error — it means the
// poem ended cleanly after its last complete item.
func DecodePoem(data []byte) []PoemItem {
	r := proto.NewReader(data)
	var items []PoemItem
	for {
		r.Save()
		sid, err := r.ReadUUID()
		if err != nil {
			r.Restore()
			break
		}
		inner, err := r.ReadPacket()
		if err != nil {
			r.Restore()
			break
		}
		ir := proto.NewReader(inner)
		name, err := ir.ReadString()
		if err != nil {
			r.Restore()
			break
		}
		payload := ir.Remaining()
		cp := make([]byte, len(payload))
		copy(cp, payload)
		items = append(items, PoemItem{Session: session.ID(sid), Name: name, Payload: cp})
	}
	return items
}

// EncodeSessionPacket builds the body for add_conn/delete_conn/release_queue,
// which all carry nothing but a bare session id.
func EncodeSessionPacket(id session.ID) []byte {
	w := proto.NewWriter()
	w.WriteUUID(uuid.UUID(id))
	return w.Bytes()
}

func DecodeSessionPacket(body []byte) (session.ID, error) {
	r := proto.NewReader(body)
	sid, err := r.ReadUUID()
	if err != nil {
		return session.ID{}, err
	}
	return session.ID(sid), nil
}

// ToggleChunkPacket flips whether the internal side suppresses full
// chunk_data for a dimension+key: the external side, which holds the
// cache, sends it when it starts caching that chunk and again when it
// retires it.
type ToggleChunkPacket struct {
	Dimension int32
	Key       [8]byte
}

func EncodeToggleChunk(p ToggleChunkPacket) []byte {
	w := proto.NewWriter()
	w.WriteVarInt(p.Dimension)
	w.WriteBytes(p.Key[:])
	return w.Bytes()
}

func DecodeToggleChunk(body []byte) (ToggleChunkPacket, error) {
	r := proto.NewReader(body)
	dim, err := r.ReadVarInt()
	if err != nil {
		return ToggleChunkPacket{}, err
	}
	keyBytes, err := r.ReadBytes(8)
	if err != nil {
		return ToggleChunkPacket{}, err
	}
	var p ToggleChunkPacket
	p.Dimension = dim
	copy(p.Key[:], keyBytes)
	return p, nil
}

// AuthPacket carries the password hash and the salt used to produce it;
// see auth.go.
type AuthPacket struct {
	Hash []byte
	Salt []byte
}

func EncodeAuth(p AuthPacket) []byte {
	w := proto.NewWriter()
	w.WritePacket(p.Hash)
	w.WritePacket(p.Salt)
	return w.Bytes()
}

func DecodeAuth(body []byte) (AuthPacket, error) {
	r := proto.NewReader(body)
	hash, err := r.ReadPacket()
	if err != nil {
		return AuthPacket{}, err
	}
	salt, err := r.ReadPacket()
	if err != nil {
		return AuthPacket{}, err
	}
	hc := make([]byte, len(hash))
	copy(hc, hash)
	sc := make([]byte, len(salt))
	copy(sc, salt)
	return AuthPacket{Hash: hc, Salt: sc}, nil
}

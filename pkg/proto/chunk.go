package proto

import "encoding/binary"

// SectionBlockCount is the number of blocks in one 16x16x16 chunk section.
const SectionBlockCount = 16 * 16 * 16

// SectionsPerColumn is the number of vertical sections in one column.
const SectionsPerColumn = 16

// BiomeCount is the number of int32 biome entries in one column.
const BiomeCount = 256

// BlockArray is the flat block-state array for one chunk section. The real
// wire format bit-packs these into a paletted long array; that bit-packing
// is left to the full client/server implementations this core doesn't
// replace. BlockArray is the minimal primitive the rest of the core needs
// to read and mutate individual blocks, playing the role quarry's
// `BlockArray` plays for a from-scratch Python implementation.
type BlockArray struct {
	blocks [SectionBlockCount]uint16
}

func NewBlockArray() *BlockArray { return &BlockArray{} }

func sectionIndex(x, y, z int) int { return y*256 + z*16 + x }

func (b *BlockArray) Get(x, y, z int) uint16 { return b.blocks[sectionIndex(x, y, z)] }

func (b *BlockArray) Set(x, y, z int, block uint16) { b.blocks[sectionIndex(x, y, z)] = block }

func (b *BlockArray) IsEmpty() bool {
	for _, v := range b.blocks {
		if v != 0 {
			return false
		}
	}
	return true
}

func (b *BlockArray) Bytes() []byte {
	out := make([]byte, SectionBlockCount*2)
	for i, v := range b.blocks {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func BlockArrayFromBytes(data []byte) *BlockArray {
	var b BlockArray
	n := len(data) / 2
	if n > SectionBlockCount {
		n = SectionBlockCount
	}
	for i := 0; i < n; i++ {
		b.blocks[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return &b
}

// Position is a block position in world coordinates.
type Position struct{ X, Y, Z int }

// ChunkColumn is the decoded form of a cached chunk, as stored inside a
// chunkcache entry. Encode/DecodeColumn define this module's own cache blob
// format; it is not the Minecraft wire format. Heightmap and untouched
// tile-entity payloads are kept as raw bytes so mutating one block never
// perturbs fields this module doesn't interpret.
type ChunkColumn struct {
	PrimaryBitMask uint32
	Heightmap      []byte
	Sections       [SectionsPerColumn]*BlockArray
	Biomes         [BiomeCount]int32
	TileEntities   map[Position][]byte
}

func NewChunkColumn() *ChunkColumn {
	c := &ChunkColumn{TileEntities: map[Position][]byte{}}
	for i := range c.Sections {
		c.Sections[i] = NewBlockArray()
	}
	return c
}

// HasSection reports whether section index i is present per the bitmask.
func (c *ChunkColumn) HasSection(i int) bool { return c.PrimaryBitMask&(1<<uint(i)) != 0 }

func (c *ChunkColumn) Encode() ([]byte, error) {
	w := NewWriter()
	w.WriteVarInt(int32(c.PrimaryBitMask))
	w.WriteRawNBT(c.Heightmap)

	sw := NewWriter()
	for i := 0; i < SectionsPerColumn; i++ {
		if c.HasSection(i) {
			sw.WriteBytes(c.Sections[i].Bytes())
		}
	}
	w.WriteVarInt(int32(len(sw.Bytes())))
	w.WriteBytes(sw.Bytes())

	for _, v := range c.Biomes {
		w.WriteInt32(v)
	}

	w.WriteVarInt(int32(len(c.TileEntities)))
	for pos, data := range c.TileEntities {
		w.WritePosition(pos.X, pos.Y, pos.Z)
		w.WriteVarInt(int32(len(data)))
		w.WriteBytes(data)
	}
	return w.Bytes(), nil
}

func DecodeColumn(data []byte) (*ChunkColumn, error) {
	r := NewReader(data)
	mask, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	c := NewChunkColumn()
	c.PrimaryBitMask = uint32(mask)

	heightmap, err := r.ReadRawNBT()
	if err != nil {
		return nil, err
	}
	c.Heightmap = heightmap

	sectionLen, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	sectionData, err := r.ReadBytes(int(sectionLen))
	if err != nil {
		return nil, err
	}
	const sectionByteLen = SectionBlockCount * 2
	offset := 0
	for i := 0; i < SectionsPerColumn; i++ {
		if c.HasSection(i) {
			if offset+sectionByteLen > len(sectionData) {
				return nil, ErrShortBuffer
			}
			c.Sections[i] = BlockArrayFromBytes(sectionData[offset : offset+sectionByteLen])
			offset += sectionByteLen
		}
	}

	for i := 0; i < BiomeCount; i++ {
		v, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		c.Biomes[i] = v
	}

	count, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < count; i++ {
		x, y, z, err := r.ReadPosition()
		if err != nil {
			return nil, err
		}
		n, err := r.ReadVarInt()
		if err != nil {
			return nil, err
		}
		b, err := r.ReadBytes(int(n))
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		c.TileEntities[Position{X: x, Y: y, Z: z}] = cp
	}
	return c, nil
}

// FloorDivMod matches Python's divmod (floor division), needed because
// world coordinates are signed and section indexing must floor towards
// negative infinity rather than truncate towards zero.
func FloorDivMod(a, b int) (q, r int) {
	q = a / b
	r = a % b
	if r != 0 && (r < 0) != (b < 0) {
		q--
		r += b
	}
	return q, r
}

// Package snapshot implements the binary on-disk chunk format: a fixed
// header validated before any payload byte is trusted, then density
// values, packed voxel-active bits, and voxel hitpoints, optionally
// zstd-compressed. Uniform Empty/Solid chunks without modifications
// carry no payload at all.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"terraforge.dev/internal/chunk"
)

const (
	Magic   uint32 = 0x5446534e // "TFSN"
	Version uint16 = 1
)

type Flag uint8

const (
	FlagHasModifications Flag = 1 << 0
	FlagIsCompressed     Flag = 1 << 1
	FlagHasVoxelData     Flag = 1 << 2
	FlagIsEmpty          Flag = 1 << 3
	FlagIsSolid          Flag = 1 << 4
)

// Header is the fixed preamble of every snapshot file.
type Header struct {
	Magic        uint32
	Version      uint16
	Coord        chunk.Coord
	Flags        Flag
	DensityCount uint32
	VoxelCount   uint32
}

// Meta is what the caller asserts about the chunk being encoded, and
// what a payload-free snapshot reconstructs on load.
type Meta struct {
	HasModifications bool
	IsEmpty          bool
	IsSolid          bool
}

const headerSize = 4 + 2 + 12 + 1 + 4 + 4

var (
	enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ = zstd.NewReader(nil)
)

func putHeader(b *bytes.Buffer, h Header) {
	var tmp [headerSize]byte
	binary.LittleEndian.PutUint32(tmp[0:], h.Magic)
	binary.LittleEndian.PutUint16(tmp[4:], h.Version)
	binary.LittleEndian.PutUint32(tmp[6:], uint32(int32(h.Coord.X)))
	binary.LittleEndian.PutUint32(tmp[10:], uint32(int32(h.Coord.Y)))
	binary.LittleEndian.PutUint32(tmp[14:], uint32(int32(h.Coord.Z)))
	tmp[18] = byte(h.Flags)
	binary.LittleEndian.PutUint32(tmp[19:], h.DensityCount)
	binary.LittleEndian.PutUint32(tmp[23:], h.VoxelCount)
	b.Write(tmp[:])
}

func parseHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, fmt.Errorf("snapshot truncated: %d bytes", len(data))
	}
	h := Header{
		Magic:   binary.LittleEndian.Uint32(data[0:]),
		Version: binary.LittleEndian.Uint16(data[4:]),
		Coord: chunk.Coord{
			X: int(int32(binary.LittleEndian.Uint32(data[6:]))),
			Y: int(int32(binary.LittleEndian.Uint32(data[10:]))),
			Z: int(int32(binary.LittleEndian.Uint32(data[14:]))),
		},
		Flags:        Flag(data[18]),
		DensityCount: binary.LittleEndian.Uint32(data[19:]),
		VoxelCount:   binary.LittleEndian.Uint32(data[23:]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("bad snapshot magic %#x", h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	return h, nil
}

// ParseHeader validates and returns just the fixed preamble. Used by
// inspection tooling that has no chunk to decode into.
func ParseHeader(data []byte) (Header, error) {
	return parseHeader(data)
}

// Encode serializes a chunk. For an unmodified uniform chunk the
// payload is omitted entirely; the classification alone reconstructs
// state on load.
func Encode(c *chunk.Chunk, meta Meta, compress bool) []byte {
	h := Header{
		Magic:        Magic,
		Version:      Version,
		Coord:        c.Coord,
		DensityCount: uint32(len(c.Density)),
		VoxelCount:   uint32(len(c.Voxels)),
	}
	if meta.HasModifications {
		h.Flags |= FlagHasModifications
	}
	if meta.IsEmpty {
		h.Flags |= FlagIsEmpty
	}
	if meta.IsSolid {
		h.Flags |= FlagIsSolid
	}

	var out bytes.Buffer
	if (meta.IsEmpty || meta.IsSolid) && !meta.HasModifications {
		putHeader(&out, h)
		return out.Bytes()
	}

	h.Flags |= FlagHasVoxelData
	if compress {
		h.Flags |= FlagIsCompressed
	}
	payload := encodePayload(c)
	if compress {
		payload = enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	}
	putHeader(&out, h)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out.Write(lenBuf[:])
	out.Write(payload)
	return out.Bytes()
}

func encodePayload(c *chunk.Chunk) []byte {
	nd := len(c.Density)
	nv := len(c.Voxels)
	buf := make([]byte, 0, nd*4+(nv+7)/8+nv*4)
	var tmp [4]byte
	for _, d := range c.Density {
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(d))
		buf = append(buf, tmp[:]...)
	}
	// Voxel-active bits, 8 per byte.
	bits := make([]byte, (nv+7)/8)
	for i, v := range c.Voxels {
		if v.Active == chunk.VoxelActive {
			bits[i/8] |= 1 << uint(i%8)
		}
	}
	buf = append(buf, bits...)
	for _, v := range c.Voxels {
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v.Hitpoints))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// Decode validates the header against the target chunk and, when a
// payload is present, fills the chunk's arrays. Any mismatch rejects
// the whole snapshot: the caller treats the chunk as absent.
func Decode(data []byte, c *chunk.Chunk) (Meta, error) {
	h, err := parseHeader(data)
	if err != nil {
		return Meta{}, err
	}
	if h.Coord != c.Coord {
		return Meta{}, fmt.Errorf("snapshot for %s, want %s", h.Coord, c.Coord)
	}
	if int(h.DensityCount) != len(c.Density) || int(h.VoxelCount) != len(c.Voxels) {
		return Meta{}, fmt.Errorf("snapshot arrays %dx%d, chunk wants %dx%d",
			h.DensityCount, h.VoxelCount, len(c.Density), len(c.Voxels))
	}
	meta := Meta{
		HasModifications: h.Flags&FlagHasModifications != 0,
		IsEmpty:          h.Flags&FlagIsEmpty != 0,
		IsSolid:          h.Flags&FlagIsSolid != 0,
	}
	if meta.IsEmpty && meta.IsSolid {
		return Meta{}, fmt.Errorf("snapshot flags claim both empty and solid")
	}
	if h.Flags&FlagHasVoxelData == 0 {
		if !meta.IsEmpty && !meta.IsSolid {
			return Meta{}, fmt.Errorf("snapshot has no payload and no classification")
		}
		return meta, nil
	}

	rest := data[headerSize:]
	if len(rest) < 4 {
		return Meta{}, fmt.Errorf("snapshot payload length truncated")
	}
	plen := binary.LittleEndian.Uint32(rest)
	payload := rest[4:]
	if uint32(len(payload)) != plen {
		return Meta{}, fmt.Errorf("snapshot payload %d bytes, header says %d", len(payload), plen)
	}
	if h.Flags&FlagIsCompressed != 0 {
		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return Meta{}, fmt.Errorf("snapshot decompress: %w", err)
		}
	}
	if err := decodePayload(payload, c); err != nil {
		return Meta{}, err
	}
	c.HasField = true
	return meta, nil
}

func decodePayload(payload []byte, c *chunk.Chunk) error {
	nd := len(c.Density)
	nv := len(c.Voxels)
	want := nd*4 + (nv+7)/8 + nv*4
	if len(payload) != want {
		return fmt.Errorf("snapshot payload %d bytes, want %d", len(payload), want)
	}
	off := 0
	for i := 0; i < nd; i++ {
		c.Density[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
	}
	bits := payload[off : off+(nv+7)/8]
	off += (nv + 7) / 8
	for i := 0; i < nv; i++ {
		act := chunk.VoxelInactive
		if bits[i/8]&(1<<uint(i%8)) != 0 {
			act = chunk.VoxelActive
		}
		c.Voxels[i] = chunk.Voxel{
			Active:    act,
			Hitpoints: math.Float32frombits(binary.LittleEndian.Uint32(payload[off:])),
		}
		off += 4
	}
	return nil
}

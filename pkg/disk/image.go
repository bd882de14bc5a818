package disk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/downfa11-org/segclean/pkg/segment"
	"github.com/downfa11-org/segclean/pkg/types"
	"github.com/downfa11-org/segclean/util"
	"golang.org/x/exp/mmap"
)

const (
	imageMagic   = "SGCL"
	imageVersion = 1

	// EntrySize is the encoded size of one SIT entry.
	EntrySize = 16

	cursegRecordSize = 8
	// HeaderSize covers magic, version, codec, geometry, cursegs,
	// payload lengths and checksum.
	HeaderSize = 4 + 2 + 1 + 1 + 12 + int(types.NrCursegType)*cursegRecordSize + 4 + 4 + 4
)

var codecs = []string{"none", "gzip", "snappy", "lz4", "zstd"}

func codecID(name string) (uint8, error) {
	if name == "" {
		name = "none"
	}
	for i, c := range codecs {
		if c == name {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("unsupported image compression %q", name)
}

// Header is the fixed-size prefix of a SIT image.
type Header struct {
	Version     uint16
	Compression string
	Geometry    segment.Geometry
	Cursegs     [types.NrCursegType]segment.CursegState
	StoredLen   uint32
	RawLen      uint32
	Checksum    uint32
}

func (h *Header) marshal() ([]byte, error) {
	id, err := codecID(h.Compression)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize)
	copy(buf[0:4], imageMagic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = id
	binary.BigEndian.PutUint32(buf[8:12], h.Geometry.LogBlocksPerSeg)
	binary.BigEndian.PutUint32(buf[12:16], h.Geometry.SegsPerSec)
	binary.BigEndian.PutUint32(buf[16:20], h.Geometry.TotalSegments)
	off := 20
	for _, cs := range h.Cursegs {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(cs.Segno))
		binary.BigEndian.PutUint32(buf[off+4:off+8], cs.Blkoff)
		off += cursegRecordSize
	}
	binary.BigEndian.PutUint32(buf[off:off+4], h.StoredLen)
	binary.BigEndian.PutUint32(buf[off+4:off+8], h.RawLen)
	binary.BigEndian.PutUint32(buf[off+8:off+12], h.Checksum)
	return buf, nil
}

func unmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("image header truncated: %d bytes", len(buf))
	}
	if string(buf[0:4]) != imageMagic {
		return h, fmt.Errorf("bad image magic %q", buf[0:4])
	}
	h.Version = binary.BigEndian.Uint16(buf[4:6])
	if h.Version != imageVersion {
		return h, fmt.Errorf("unsupported image version %d", h.Version)
	}
	if int(buf[6]) >= len(codecs) {
		return h, fmt.Errorf("unknown image codec %d", buf[6])
	}
	h.Compression = codecs[buf[6]]
	h.Geometry = segment.Geometry{
		LogBlocksPerSeg: binary.BigEndian.Uint32(buf[8:12]),
		SegsPerSec:      binary.BigEndian.Uint32(buf[12:16]),
		TotalSegments:   binary.BigEndian.Uint32(buf[16:20]),
	}
	off := 20
	for i := range h.Cursegs {
		h.Cursegs[i] = segment.CursegState{
			Segno:  types.SegNo(binary.BigEndian.Uint32(buf[off : off+4])),
			Blkoff: binary.BigEndian.Uint32(buf[off+4 : off+8]),
		}
		off += cursegRecordSize
	}
	h.StoredLen = binary.BigEndian.Uint32(buf[off : off+4])
	h.RawLen = binary.BigEndian.Uint32(buf[off+4 : off+8])
	h.Checksum = binary.BigEndian.Uint32(buf[off+8 : off+12])
	return h, nil
}

func encodeEntries(entries []types.SegmentEntry) []byte {
	buf := make([]byte, len(entries)*EntrySize)
	for i, e := range entries {
		b := buf[i*EntrySize : (i+1)*EntrySize]
		binary.BigEndian.PutUint16(b[0:2], e.ValidBlocks)
		binary.BigEndian.PutUint16(b[2:4], e.CkptValidBlocks)
		b[4] = uint8(e.Type)
		binary.BigEndian.PutUint64(b[8:16], e.Mtime)
	}
	return buf
}

func decodeEntries(buf []byte, n uint32) ([]types.SegmentEntry, error) {
	if uint64(len(buf)) != uint64(n)*EntrySize {
		return nil, fmt.Errorf("entry payload is %d bytes, want %d", len(buf), uint64(n)*EntrySize)
	}
	out := make([]types.SegmentEntry, n)
	for i := range out {
		b := buf[i*EntrySize : (i+1)*EntrySize]
		out[i] = types.SegmentEntry{
			ValidBlocks:     binary.BigEndian.Uint16(b[0:2]),
			CkptValidBlocks: binary.BigEndian.Uint16(b[2:4]),
			Type:            types.CursegType(b[4]),
			Mtime:           binary.BigEndian.Uint64(b[8:16]),
		}
	}
	return out, nil
}

// WriteImage persists st at path. The image is written next to path and
// renamed over it once synced, so a crash leaves the old image intact.
func WriteImage(path string, st segment.State, compression string) error {
	if err := st.Geometry.Validate(); err != nil {
		return err
	}
	if uint32(len(st.Entries)) != st.Geometry.TotalSegments {
		return fmt.Errorf("image: %d entries for %d segments", len(st.Entries), st.Geometry.TotalSegments)
	}

	raw := encodeEntries(st.Entries)
	payload, err := util.Compress(raw, compression)
	if err != nil {
		return fmt.Errorf("compress image payload: %w", err)
	}

	h := Header{
		Version:     imageVersion,
		Compression: compression,
		Geometry:    st.Geometry,
		Cursegs:     st.Cursegs,
		StoredLen:   uint32(len(payload)),
		RawLen:      uint32(len(raw)),
		Checksum:    crc32.ChecksumIEEE(payload),
	}
	hdr, err := h.marshal()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := installImage(tmp, path, hdr, payload); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	util.Debug("wrote SIT image %s: %d segments, %d/%d bytes (%s)",
		path, st.Geometry.TotalSegments, len(payload), len(raw), codecs[hdr[6]])
	return nil
}

// installImage writes hdr and payload to tmp, syncs it and renames it
// over path. tmp is left behind on error.
func installImage(tmp, path string, hdr, payload []byte) error {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open image file: %w", err)
	}
	adviseSequential(f)

	if _, err := io.Copy(f, io.MultiReader(bytes.NewReader(hdr), bytes.NewReader(payload))); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to install image: %w", err)
	}
	return nil
}

// ReadHeader returns the header of the image at path.
func ReadHeader(path string) (Header, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("mmap open failed: %w", err)
	}
	defer r.Close()
	return readHeader(r)
}

func readHeader(r *mmap.ReaderAt) (Header, error) {
	if r.Len() < HeaderSize {
		return Header{}, fmt.Errorf("image header truncated: %d bytes", r.Len())
	}
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return Header{}, fmt.Errorf("read image header: %w", err)
	}
	return unmarshalHeader(buf)
}

// ReadImage loads the state stored at path.
func ReadImage(path string) (segment.State, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return segment.State{}, fmt.Errorf("mmap open failed: %w", err)
	}
	defer r.Close()

	h, err := readHeader(r)
	if err != nil {
		return segment.State{}, err
	}
	if err := h.Geometry.Validate(); err != nil {
		return segment.State{}, fmt.Errorf("image %s: %w", path, err)
	}
	if want := int64(HeaderSize) + int64(h.StoredLen); want != int64(r.Len()) {
		return segment.State{}, fmt.Errorf("image %s: %d bytes, header wants %d", path, r.Len(), want)
	}

	payload := make([]byte, h.StoredLen)
	if len(payload) > 0 {
		if _, err := r.ReadAt(payload, int64(HeaderSize)); err != nil {
			return segment.State{}, fmt.Errorf("read image payload: %w", err)
		}
	}
	if sum := crc32.ChecksumIEEE(payload); sum != h.Checksum {
		return segment.State{}, fmt.Errorf("image %s: checksum %08x, want %08x", path, sum, h.Checksum)
	}

	raw, err := util.Decompress(payload, h.Compression)
	if err != nil {
		return segment.State{}, fmt.Errorf("decompress image payload: %w", err)
	}
	if uint32(len(raw)) != h.RawLen {
		return segment.State{}, fmt.Errorf("image %s: payload inflated to %d bytes, want %d", path, len(raw), h.RawLen)
	}
	entries, err := decodeEntries(raw, h.Geometry.TotalSegments)
	if err != nil {
		return segment.State{}, fmt.Errorf("image %s: %w", path, err)
	}

	return segment.State{Geometry: h.Geometry, Entries: entries, Cursegs: h.Cursegs}, nil
}

// LoadManager restores a segment manager from the image at path.
func LoadManager(path string, opts ...segment.Option) (*segment.Manager, error) {
	st, err := ReadImage(path)
	if err != nil {
		return nil, err
	}
	return segment.NewManagerFromState(st, opts...)
}

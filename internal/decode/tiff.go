package decode

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"golang.org/x/image/tiff"
)

// maxTIFFPages bounds the IFD walk so a corrupt next-IFD chain cannot spin.
const maxTIFFPages = 512

// decodeTIFF decodes every directory of a TIFF file into its own canonical
// image. The x/image decoder only reads the first directory, so for each
// subsequent one the header's first-IFD offset is re-pointed at that
// directory before decoding; entry data offsets are absolute, so the rest of
// the file stays valid.
func decodeTIFF(src Source) ([]Image, error) {
	offsets, bo, err := tiffDirectoryOffsets(src.Data)
	if err != nil {
		return nil, &DecodeError{Format: FormatTIFF, FileName: src.Name, Reason: "corrupt TIFF header", Err: err}
	}

	images := make([]Image, 0, len(offsets))
	for frame, off := range offsets {
		data := src.Data
		if frame > 0 {
			data = bytes.Clone(src.Data)
			bo.PutUint32(data[4:8], off)
		}
		img, err := tiff.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, &DecodeError{Format: FormatTIFF, FileName: src.Name, Reason: "corrupt or unparseable TIFF directory", Err: err}
		}
		canonical, derr := normalize(src.Name, FormatTIFF, img, frame)
		if derr != nil {
			return nil, derr
		}
		images = append(images, canonical)
	}
	if len(images) > 1 {
		slog.Debug("expanded multi-page TIFF", "filename", src.Name, "pages", len(images))
	}
	return images, nil
}

// tiffDirectoryOffsets walks the IFD chain and returns the byte offset of
// every directory, plus the file's byte order.
func tiffDirectoryOffsets(data []byte) ([]uint32, binary.ByteOrder, error) {
	if len(data) < 8 {
		return nil, nil, errTIFFShort
	}
	var bo binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		bo = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		bo = binary.BigEndian
	default:
		return nil, nil, errTIFFMagic
	}
	if bo.Uint16(data[2:4]) != 42 {
		return nil, nil, errTIFFMagic
	}

	var offsets []uint32
	seen := make(map[uint32]bool)
	off := bo.Uint32(data[4:8])
	for off != 0 && len(offsets) < maxTIFFPages {
		if seen[off] || int(off)+2 > len(data) {
			break
		}
		seen[off] = true
		offsets = append(offsets, off)

		n := int(bo.Uint16(data[off : off+2]))
		next := int(off) + 2 + n*12
		if next+4 > len(data) {
			break
		}
		off = bo.Uint32(data[next : next+4])
	}
	if len(offsets) == 0 {
		return nil, nil, errTIFFNoIFD
	}
	return offsets, bo, nil
}

var (
	errTIFFShort = tiffError("file too short for TIFF header")
	errTIFFMagic = tiffError("missing TIFF byte-order mark or magic number")
	errTIFFNoIFD = tiffError("no image directories found")
)

type tiffError string

func (e tiffError) Error() string { return string(e) }

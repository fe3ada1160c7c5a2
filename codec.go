package jp2

import (
	"fmt"
	"io"
)

// ComponentParams describes one image component as recorded in SIZ.
type ComponentParams struct {
	BitDepth    int
	Signed      bool
	SubsampleDX int
	SubsampleDY int
}

// ImageParams is the geometry and precision summary a pixel codec needs,
// assembled from the codestream main header.
type ImageParams struct {
	Width      uint32
	Height     uint32
	OffsetX    uint32
	OffsetY    uint32
	TileWidth  uint32
	TileHeight uint32
	NumTilesX  int
	NumTilesY  int
	Components []ComponentParams
}

// ImageParams summarizes the main header's SIZ segment. It returns an
// error when the codestream has no SIZ.
func (cs *Codestream) ImageParams() (*ImageParams, error) {
	siz := cs.SIZ()
	if siz == nil {
		return nil, fmt.Errorf("%w: codestream has no SIZ segment", ErrInvalidInput)
	}
	p := &ImageParams{
		Width:      siz.XSiz,
		Height:     siz.YSiz,
		OffsetX:    siz.XOSiz,
		OffsetY:    siz.YOSiz,
		TileWidth:  siz.XTSiz,
		TileHeight: siz.YTSiz,
		NumTilesX:  siz.NumTilesX(),
		NumTilesY:  siz.NumTilesY(),
	}
	for _, c := range siz.Components {
		p.Components = append(p.Components, ComponentParams{
			BitDepth:    c.BitDepth(),
			Signed:      c.Signed(),
			SubsampleDX: int(c.XRsiz),
			SubsampleDY: int(c.YRsiz),
		})
	}
	return p, nil
}

// Region is a rectangle on the image reference grid.
type Region struct {
	X0, Y0 uint32
	X1, Y1 uint32
}

// Raster is a decoded sample buffer: interleaved component samples in
// row-major order, tagged with the precision recorded in SIZ.
type Raster struct {
	Width      int
	Height     int
	Components []ComponentParams
	Samples    []int32
}

// EncodeParams carries the coding choices handed to a codec's encoder.
// Zero values select the codec's defaults.
type EncodeParams struct {
	ProgressionOrder int
	NumLayers        int
	DecompLevels     int
	CodeBlockWidth   int
	CodeBlockHeight  int
	PrecinctSizes    [][2]int
	TileWidth        uint32
	TileHeight       uint32
	Ratios           []float64 // per-layer compression ratios
	PSNR             []float64 // per-layer PSNR targets, alternative to Ratios
	Irreversible     bool
}

// Codec is the external pixel codec: it consumes the raw codestream bytes
// plus the already-parsed geometry and produces sample buffers, and
// conversely encodes sample buffers to codestream bytes. Entropy coding and
// wavelet transforms live entirely behind this interface.
type Codec interface {
	// DecodeRegion decodes the samples covering a reference-grid region.
	DecodeRegion(src io.ReaderAt, offset, length int64, params *ImageParams, region Region) (*Raster, error)

	// DecodeTile decodes one tile by index.
	DecodeTile(src io.ReaderAt, offset, length int64, params *ImageParams, tile int) (*Raster, error)

	// Encode writes a codestream for the given samples.
	Encode(w io.Writer, raster *Raster, params EncodeParams) error
}

// decodeReady materializes the codestream and checks it is sound enough to
// hand to a codec. Unlike plain structural parsing, pixel decoding of a
// stream known to be incomplete is refused outright, since the returned
// samples could not be trusted.
func (f *File) decodeReady() (*ContiguousCodestreamBox, *ImageParams, error) {
	cb := f.codestreamBox()
	if cb == nil {
		return nil, nil, fmt.Errorf("%w: file has no contiguous codestream box", ErrInvalidInput)
	}
	cs, err := cb.codestream(false, f.d)
	if err != nil {
		return nil, nil, err
	}
	if !cs.Complete {
		return nil, nil, fmt.Errorf("%w: codestream ends before EOC, refusing to decode pixels from it", ErrTruncated)
	}
	params, err := cs.ImageParams()
	if err != nil {
		return nil, nil, err
	}
	return cb, params, nil
}

// DecodeRegion decodes the samples covering a reference-grid region using
// the given codec. Codec failures are returned as a *CodecError naming the
// operation.
func (f *File) DecodeRegion(codec Codec, region Region) (*Raster, error) {
	cb, params, err := f.decodeReady()
	if err != nil {
		return nil, err
	}
	off, length := cb.ContentBounds()
	raster, err := codec.DecodeRegion(f.src, off, length, params, region)
	if err != nil {
		return nil, &CodecError{Op: "decode region", Err: err}
	}
	return raster, nil
}

// DecodeTile decodes one tile by index using the given codec.
func (f *File) DecodeTile(codec Codec, tile int) (*Raster, error) {
	cb, params, err := f.decodeReady()
	if err != nil {
		return nil, err
	}
	if tile < 0 || tile >= params.NumTilesX*params.NumTilesY {
		return nil, fmt.Errorf("%w: tile %d out of range, image has %d tiles",
			ErrInvalidInput, tile, params.NumTilesX*params.NumTilesY)
	}
	off, length := cb.ContentBounds()
	raster, err := codec.DecodeTile(f.src, off, length, params, tile)
	if err != nil {
		return nil, &CodecError{Op: "decode tile", Err: err}
	}
	return raster, nil
}

// Encode runs the codec's encoder and wraps its output in a fresh
// ContiguousCodestreamBox ready for Wrap. Codec validation failures (bad
// code-block geometry, non-power-of-two sizes) surface as *CodecError.
func Encode(codec Codec, raster *Raster, params EncodeParams) (*ContiguousCodestreamBox, error) {
	var buf writerBuffer
	if err := codec.Encode(&buf, raster, params); err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return NewContiguousCodestreamBox(buf.data), nil
}

type writerBuffer struct{ data []byte }

func (w *writerBuffer) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

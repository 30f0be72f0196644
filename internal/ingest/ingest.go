// Package ingest validates, normalizes, and hashes uploaded identity
// documents before they enter the verification workflow. Each stage has one
// responsibility: size/format gate, decode, downscale, re-encode, hash.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // decoder registration for image.Decode
	"strings"

	"golang.org/x/image/draw"

	dErrors "matricula/pkg/domain-errors"
)

const (
	// DefaultMaxBytes caps uploads at 10 MiB.
	DefaultMaxBytes = int64(10 << 20)
	// maxDimension bounds either side of a normalized raster image.
	maxDimension = 2048
	// jpegQuality fixes re-encode quality for deterministic size bounds.
	jpegQuality = 85
)

// Result carries a normalized document ready for storage.
type Result struct {
	// Normalized is the re-encoded (rasters) or passed-through (PDF) payload.
	Normalized []byte
	// ContentType of the normalized payload.
	ContentType string
	// Hash is the SHA-256 hex of the ORIGINAL bytes; integrity and dedup key
	// even though the stored copy is normalized.
	Hash string
	// Metadata describes what ingestion did.
	Metadata Metadata
}

// Metadata is recorded in the audit trail alongside the upload.
type Metadata struct {
	OriginalBytes   int
	NormalizedBytes int
	Format          string
	Width           int
	Height          int
	Resized         bool
}

// Processor is the ingestion pipeline. Zero value is not usable; construct
// with New.
type Processor struct {
	maxBytes int64
}

func New(maxBytes int64) *Processor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Processor{maxBytes: maxBytes}
}

// Ingest validates and normalizes one uploaded document.
func (p *Processor) Ingest(raw []byte, declaredContentType string) (*Result, error) {
	if int64(len(raw)) > p.maxBytes {
		return nil, dErrors.New(dErrors.CodePayloadTooLarge,
			fmt.Sprintf("document is %d bytes, limit is %d", len(raw), p.maxBytes))
	}
	if len(raw) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidImage, "document is empty")
	}

	format, ok := normalizeContentType(declaredContentType)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnsupportedFormat,
			"content type must be one of jpeg, png, pdf")
	}

	hash := sha256.Sum256(raw)
	result := &Result{
		Hash: hex.EncodeToString(hash[:]),
		Metadata: Metadata{
			OriginalBytes: len(raw),
			Format:        format,
		},
	}

	if format == "pdf" {
		// PDFs pass through unnormalized; only the magic number is checked.
		if !bytes.HasPrefix(raw, []byte("%PDF-")) {
			return nil, dErrors.New(dErrors.CodeInvalidImage, "payload is not a PDF document")
		}
		result.Normalized = raw
		result.ContentType = "application/pdf"
		result.Metadata.NormalizedBytes = len(raw)
		return result, nil
	}

	normalized, meta, err := normalizeRaster(raw)
	if err != nil {
		return nil, err
	}
	result.Normalized = normalized
	result.ContentType = "image/jpeg"
	result.Metadata.NormalizedBytes = len(normalized)
	result.Metadata.Width = meta.Width
	result.Metadata.Height = meta.Height
	result.Metadata.Resized = meta.Resized
	return result, nil
}

// normalizeRaster decodes, converts to a single color model, downsizes so
// neither dimension exceeds maxDimension, and re-encodes at fixed quality.
func normalizeRaster(raw []byte) ([]byte, Metadata, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, Metadata{}, dErrors.Wrap(err, dErrors.CodeInvalidImage, "decode image")
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, Metadata{}, dErrors.New(dErrors.CodeInvalidImage, "image has zero dimension")
	}

	targetW, targetH, resized := fitWithin(width, height, maxDimension)

	// Always redraw into NRGBA so every stored document shares one color
	// model regardless of source encoding.
	dst := image.NewNRGBA(image.Rect(0, 0, targetW, targetH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, Metadata{}, dErrors.Wrap(err, dErrors.CodeInternal, "encode normalized image")
	}
	return buf.Bytes(), Metadata{Width: targetW, Height: targetH, Resized: resized}, nil
}

// fitWithin scales (w, h) down preserving aspect ratio so both sides fit in
// max. Images already within bounds are untouched.
func fitWithin(w, h, max int) (int, int, bool) {
	if w <= max && h <= max {
		return w, h, false
	}
	if w >= h {
		scaled := h * max / w
		if scaled < 1 {
			scaled = 1
		}
		return max, scaled, true
	}
	scaled := w * max / h
	if scaled < 1 {
		scaled = 1
	}
	return scaled, max, true
}

func normalizeContentType(declared string) (string, bool) {
	ct := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "jpeg", "jpg", "image/jpeg", "image/jpg":
		return "jpeg", true
	case "png", "image/png":
		return "png", true
	case "pdf", "application/pdf":
		return "pdf", true
	}
	return "", false
}

package pipeline

import (
	"encoding/binary"
	"fmt"
	"image"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"hybridcv/internal/imaging"
)

// itemNamespace scopes the name-based item ids
var itemNamespace = uuid.MustParse("6f1c3b0e-8f57-4a43-9d1e-2b7b5f0c9a41")

// IDGenerator returns the id of the item at the given rank
type IDGenerator func(rank int) string

// DeterministicIDs derives ids from the raster content, the operation and
// the rank. Identical input yields identical ids; ranks never collide.
func DeterministicIDs(raster *imaging.Raster, op string) IDGenerator {
	digest := raster.Digest()
	return func(rank int) string {
		name := make([]byte, 0, len(digest)+len(op)+8)
		name = append(name, digest[:]...)
		name = append(name, op...)
		name = binary.BigEndian.AppendUint64(name, uint64(rank))
		return uuid.NewSHA1(itemNamespace, name).String()
	}
}

// Assembler builds result items from adapter outputs. It performs no
// inference and keeps no state beyond the vocabulary.
type Assembler struct {
	classes []string
	labels  []string
	ids     IDGenerator
}

// NewAssembler returns an Assembler for the given vocabulary
func NewAssembler(classes []string, ids IDGenerator) *Assembler {
	caser := cases.Title(language.English)
	labels := make([]string, len(classes))
	for i, c := range classes {
		labels[i] = caser.String(strings.ReplaceAll(c, "_", " "))
	}
	return &Assembler{classes: classes, labels: labels, ids: ids}
}

// CheckClass fails when id is outside the vocabulary
func (a *Assembler) CheckClass(id int) error {
	if id < 0 || id >= len(a.classes) {
		return newError(KindInternalInconsistency, "assemble",
			fmt.Sprintf("class id %d outside vocabulary of %d classes", id, len(a.classes)), nil)
	}
	return nil
}

// Assemble builds the item at rank. mask and crop may be nil.
func (a *Assembler) Assemble(rank int, det RawDetection, mask *Mask, crop image.Image) (DetectedItem, error) {
	if err := a.CheckClass(det.ClassID); err != nil {
		return DetectedItem{}, err
	}

	item := DetectedItem{
		ID:         a.ids(rank),
		BBox:       det.Box.Normalize(),
		Label:      a.labels[det.ClassID],
		Confidence: det.Confidence,
		ClassName:  a.classes[det.ClassID],
	}

	if mask != nil && !mask.Empty() {
		encoded, err := imaging.EncodePNG(mask.Bitmap)
		if err != nil {
			return DetectedItem{}, newError(KindInternalInconsistency, "assemble", "encoding mask", err)
		}
		item.Mask = encoded
	}
	if crop != nil && !crop.Bounds().Empty() {
		encoded, err := imaging.EncodePNG(crop)
		if err != nil {
			return DetectedItem{}, newError(KindInternalInconsistency, "assemble", "encoding crop", err)
		}
		item.Crop = encoded
	}
	return item, nil
}

// AssembleSegment builds the segment_all item at rank
func (a *Assembler) AssembleSegment(rank int, mask *Mask) (SegmentItem, error) {
	if mask == nil || mask.Bitmap == nil {
		return SegmentItem{}, newError(KindInternalInconsistency, "assemble", "nil mask", nil)
	}
	encoded, err := imaging.EncodePNG(mask.Bitmap)
	if err != nil {
		return SegmentItem{}, newError(KindInternalInconsistency, "assemble", "encoding mask", err)
	}
	total := mask.Bitmap.Rect.Dx() * mask.Bitmap.Rect.Dy()
	var area float32
	if total > 0 {
		area = float32(mask.Area()) / float32(total)
	}
	return SegmentItem{
		ID:    a.ids(rank),
		BBox:  mask.Region.Normalize(),
		Mask:  encoded,
		Score: mask.Score,
		Area:  area,
	}, nil
}

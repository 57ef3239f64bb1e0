package pipeline

import (
	"cmp"
	"slices"
)

// MaskIoU returns the pixel intersection over union of two masks of the
// same size. Masks of different sizes never overlap. Region is only used to
// skip disjoint pairs when both masks carry one.
func MaskIoU(a, b *Mask) float32 {
	if a == nil || b == nil || a.Bitmap == nil || b.Bitmap == nil {
		return 0
	}
	if a.Bitmap.Rect != b.Bitmap.Rect {
		return 0
	}
	if a.Region.Valid() && b.Region.Valid() && a.Region.IoU(b.Region) == 0 {
		return 0
	}
	var inter, union int
	for i := range a.Bitmap.Pix {
		fa, fb := a.Bitmap.Pix[i] >= 128, b.Bitmap.Pix[i] >= 128
		if fa && fb {
			inter++
		}
		if fa || fb {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float32(inter) / float32(union)
}

// DedupMasks drops empty masks, orders the rest by score then area
// (both descending) and greedily keeps masks whose overlap with every kept
// mask is at most maxIoU. limit <= 0 means no limit.
func DedupMasks(masks []*Mask, maxIoU float32, limit int) []*Mask {
	type candidate struct {
		mask *Mask
		area int
	}
	cands := make([]candidate, 0, len(masks))
	for _, m := range masks {
		if m == nil {
			continue
		}
		if area := m.Area(); area > 0 {
			cands = append(cands, candidate{mask: m, area: area})
		}
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(b.mask.Score, a.mask.Score); c != 0 {
			return c
		}
		return cmp.Compare(b.area, a.area)
	})

	kept := make([]*Mask, 0, len(cands))
	for _, c := range cands {
		if limit > 0 && len(kept) >= limit {
			break
		}
		duplicate := false
		for _, k := range kept {
			if MaskIoU(c.mask, k) > maxIoU {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, c.mask)
		}
	}
	return kept
}

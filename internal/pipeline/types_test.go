package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBBox(t *testing.T) {
	b := BBox{X: -0.5, Y: 0.5, W: 1, H: 1}.Normalize()
	assert.Equal(t, BBox{X: 0, Y: 0.5, W: 0.5, H: 0.5}, b)
	assert.True(t, b.Valid())
	assert.Equal(t, float32(0.25), b.Area())

	assert.False(t, BBox{W: 0, H: 1}.Valid())
	assert.Zero(t, BBox{W: -1, H: 1}.Area())

	a := BBox{X: 0, Y: 0, W: 0.5, H: 0.5}
	assert.InDelta(t, 1.0, a.IoU(a), 1e-6)
	assert.Zero(t, a.IoU(BBox{X: 0.5, Y: 0.5, W: 0.5, H: 0.5}))
	assert.InDelta(t, 1.0/3.0, a.IoU(BBox{X: 0.25, Y: 0, W: 0.5, H: 0.5}), 1e-6)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
	assert.NoError(t, opts(0, 0).Validate())
	assert.NoError(t, opts(1, 0).Validate())
	assert.ErrorIs(t, opts(-0.01, 1).Validate(), ErrInvalidOptions)
	assert.ErrorIs(t, opts(1.01, 1).Validate(), ErrInvalidOptions)
	assert.ErrorIs(t, opts(0.5, -1).Validate(), ErrInvalidOptions)
}

func TestErrorKinds(t *testing.T) {
	err := newError(KindDecode, "preprocess", "bad header", errors.New("eof"))
	assert.Equal(t, "preprocess: decode: bad header: eof", err.Error())
	assert.ErrorIs(t, err, ErrDecode)
	assert.NotErrorIs(t, err, ErrNotReady)

	wrapped := fmt.Errorf("handler: %w", err)
	assert.Equal(t, KindDecode, KindOf(wrapped))
	assert.Equal(t, Failure{Kind: KindDecode, Message: wrapped.Error()}, AsFailure(wrapped))

	assert.Equal(t, KindCanceled, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindInternalInconsistency, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, "segmentation_failure", ErrNoConfidentMask.Error())
}

func TestAssembler(t *testing.T) {
	r := testRaster()
	asm := NewAssembler(testClasses, DeterministicIDs(r, OperationDetect))
	det := RawDetection{Box: BBox{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}, ClassID: 1, Confidence: 0.8}

	item, err := asm.Assemble(0, det, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "traffic_light", item.ClassName)
	assert.Equal(t, "Traffic Light", item.Label)
	assert.False(t, item.HasMask())
	assert.False(t, item.HasCrop())

	again, err := NewAssembler(testClasses, DeterministicIDs(testRaster(), OperationDetect)).Assemble(0, det, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, item.ID, again.ID)

	other, err := asm.Assemble(1, det, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, item.ID, other.ID)

	segID := DeterministicIDs(r, OperationSegmentAll)(0)
	assert.NotEqual(t, item.ID, segID)

	withMask, err := asm.Assemble(0, det, boxMask(r.Bounds(), det.Box, 0.9), nil)
	require.NoError(t, err)
	assert.True(t, withMask.HasMask())

	_, err = asm.Assemble(0, RawDetection{ClassID: 3}, nil, nil)
	assert.ErrorIs(t, err, ErrInternalInconsistency)
	_, err = asm.Assemble(0, RawDetection{ClassID: -1}, nil, nil)
	assert.ErrorIs(t, err, ErrInternalInconsistency)
}

func TestMaskBoundsAndIoU(t *testing.T) {
	bounds := testRaster().Bounds()
	m := boxMask(bounds, BBox{X: 0.25, Y: 0.5, W: 0.25, H: 0.25}, 1)
	assert.Equal(t, 625, m.Area())
	assert.Equal(t, "(25,50)-(50,75)", m.Bounds().String())
	assert.InDelta(t, 1.0, MaskIoU(m, m), 1e-6)

	var nilMask *Mask
	assert.True(t, nilMask.Empty())
	assert.Zero(t, MaskIoU(m, nil))
}

func TestMaskIoU_WithoutRegion(t *testing.T) {
	bounds := testRaster().Bounds()
	a := boxMask(bounds, BBox{X: 0.25, Y: 0.5, W: 0.25, H: 0.25}, 1)
	b := &Mask{Bitmap: a.Bitmap, Score: 0.5}
	assert.InDelta(t, 1.0, MaskIoU(a, b), 1e-6)
	assert.InDelta(t, 1.0, MaskIoU(b, b), 1e-6)

	kept := DedupMasks([]*Mask{a, b}, 0.7, 0)
	require.Len(t, kept, 1)
	assert.Same(t, a, kept[0])

	far := boxMask(bounds, BBox{X: 0, Y: 0, W: 0.1, H: 0.1}, 1)
	assert.Zero(t, MaskIoU(a, far))
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var got []*RequestEvent
	unsubscribe := bus.Subscribe(RequestEventHandlerFunc(func(evt *RequestEvent) {
		got = append(got, evt)
	}))
	var segmentOnly int
	bus.SubscribeOperation(OperationSegmentAll, RequestEventHandlerFunc(func(*RequestEvent) {
		segmentOnly++
	}))
	ch, closeCh := bus.SubscribeChannel(1)
	assert.Equal(t, 3, bus.SubscriberCount())

	bus.Publish(&RequestEvent{Operation: OperationDetect, Duration: time.Millisecond})
	bus.Publish(&RequestEvent{Operation: OperationSegmentAll})
	bus.Publish(nil)

	assert.Len(t, got, 2)
	assert.Equal(t, 1, segmentOnly)
	assert.Equal(t, OperationDetect, (<-ch).Operation, "second event dropped on the full channel")

	unsubscribe()
	closeCh()
	closeCh()
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Close()
	assert.Zero(t, bus.SubscriberCount())
}

package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/will7200/digproc/pipeline"
)

func TestAllocate(t *testing.T) {
	d := New(Params{Width: 8, Height: 4, MaxBuffers: 2})
	first, err := d.Allocate(0)
	require.NoError(t, err)
	img := first.(*Image)
	assert.Equal(t, 8, img.Width)
	assert.Equal(t, 4, img.Height)
	assert.Len(t, img.Pix, 32)

	_, err = d.Allocate(1)
	assert.NoError(t, err)
	_, err = d.Allocate(2)
	assert.ErrorIs(t, err, ErrOutOfBuffers)
	assert.Equal(t, 2, d.Allocated())

	assert.NoError(t, d.Free(first))
	assert.Equal(t, 1, d.Allocated())
	assert.ErrorIs(t, d.Free(first), ErrForeignBuffer, "double free")
	assert.ErrorIs(t, d.Free("not an image"), ErrForeignBuffer)
}

func TestDefaults(t *testing.T) {
	d := New(Params{})
	buf, err := d.Allocate(0)
	require.NoError(t, err)
	assert.Len(t, buf.(*Image).Pix, 640*480)
}

func TestGrab(t *testing.T) {
	d := New(Params{Width: 4, Height: 2, Frames: 2})
	buf, err := d.Allocate(0)
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, d.Grab(ctx, buf), ErrNotOpen)
	require.NoError(t, d.Open(ctx))

	require.NoError(t, d.Grab(ctx, buf))
	img := buf.(*Image)
	assert.Equal(t, uint64(1), img.Frame)
	assert.Equal(t, []byte{1, 2, 3, 4, 2, 3, 4, 5}, img.Pix)
	assert.False(t, img.Timestamp.IsZero())

	require.NoError(t, d.Grab(ctx, buf))
	assert.Equal(t, byte(2), img.Pix[0])
	assert.ErrorIs(t, d.Grab(ctx, buf), pipeline.ErrEndOfStream)
	assert.Equal(t, uint64(2), d.Frames())

	assert.NoError(t, d.Halt())
	assert.ErrorIs(t, d.Grab(ctx, buf), ErrNotOpen)

	other := New(Params{})
	assert.ErrorIs(t, other.Grab(ctx, buf), ErrForeignBuffer)
}

func TestGrabIsPaced(t *testing.T) {
	d := New(Params{Width: 2, Height: 2, FPS: 100})
	buf, err := d.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, d.Open(context.Background()))

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, d.Grab(context.Background(), buf))
	}
	// burst of one, so five waits of 10ms
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestGrabCanceled(t *testing.T) {
	d := New(Params{Width: 2, Height: 2, FPS: 1})
	buf, err := d.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, d.Open(context.Background()))
	require.NoError(t, d.Grab(context.Background(), buf))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	assert.Error(t, d.Grab(ctx, buf))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPipelineWithSimulatedDigitizer(t *testing.T) {
	d := New(Params{Width: 16, Height: 16, FPS: 500, Frames: 25})
	var last uint64
	p, err := pipeline.New(pipeline.Params{
		Name:        "sim",
		BufferCount: 3,
		Digitizer:   d,
		Process: func(frame pipeline.Frame) error {
			img := frame.Buffer.(*Image)
			if img.Frame != last+1 {
				return errors.New("frame skipped")
			}
			last = img.Frame
			return nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.NoError(t, p.Stop(time.Second))
	assert.Equal(t, uint64(25), p.Statistics().Processed)

	assert.NoError(t, p.Close())
	assert.Zero(t, d.Allocated())
}

func TestOpenErrorIsDeviceUnavailable(t *testing.T) {
	d := New(Params{OpenError: errors.New("no board found")})
	p, err := pipeline.New(pipeline.Params{
		BufferCount: 2,
		Digitizer:   d,
		Process:     func(pipeline.Frame) error { return nil },
	})
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.Start(context.Background()), pipeline.ErrDeviceUnavailable)
	assert.Equal(t, pipeline.StateConfigured, p.State())
}

// Package sim is a software digitizer producing synthetic 8-bit frames at
// a fixed rate. It stands in for camera hardware in tests and demos.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/will7200/digproc/pipeline"
)

var _ pipeline.Digitizer = (*Digitizer)(nil)

var (
	ErrNotOpen       = errors.New("digitizer not open")
	ErrOutOfBuffers  = errors.New("no buffer memory left")
	ErrForeignBuffer = errors.New("buffer was not allocated by this digitizer")
)

// Image is the buffer type allocated by Digitizer
type Image struct {
	Width  int
	Height int
	Pix    []byte
	// Frame is the device frame counter at grab time
	Frame     uint64
	Timestamp time.Time

	owner *Digitizer
}

// Bytes returns the pixels, row major
func (img *Image) Bytes() []byte {
	return img.Pix
}

type Params struct {
	Width  int
	Height int
	// FPS paces Grab, 0 grabs as fast as possible
	FPS float64
	// Frames ends the stream after that many grabs, 0 never ends
	Frames uint64
	// MaxBuffers limits Allocate, 0 is unlimited
	MaxBuffers int
	// OpenError is returned by every Open, simulating missing hardware
	OpenError error
	Logger    *zerolog.Logger
}

// Digitizer generates a moving gradient
type Digitizer struct {
	params  Params
	limiter *rate.Limiter
	logger  zerolog.Logger

	mutex     sync.Mutex
	open      bool
	frame     uint64
	allocated int
}

// New creates a simulated digitizer, defaulting to 640x480
func New(params Params) *Digitizer {
	if params.Width <= 0 {
		params.Width = 640
	}
	if params.Height <= 0 {
		params.Height = 480
	}
	d := &Digitizer{params: params}
	if params.Logger != nil {
		d.logger = params.Logger.With().Str("digitizer", "sim").Logger()
	} else {
		d.logger = log.With().Str("digitizer", "sim").Logger()
	}
	d.limiter = newLimiter(params.FPS)
	return d
}

func newLimiter(fps float64) *rate.Limiter {
	if fps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(fps), 1)
}

func (d *Digitizer) Allocate(index int) (pipeline.Buffer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.params.MaxBuffers > 0 && d.allocated >= d.params.MaxBuffers {
		return nil, fmt.Errorf("%w: %d buffers allocated", ErrOutOfBuffers, d.allocated)
	}
	d.allocated++
	return &Image{
		Width:  d.params.Width,
		Height: d.params.Height,
		Pix:    make([]byte, d.params.Width*d.params.Height),
		owner:  d,
	}, nil
}

func (d *Digitizer) Free(buf pipeline.Buffer) error {
	img, ok := buf.(*Image)
	if !ok || img.owner != d {
		return ErrForeignBuffer
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	img.Pix = nil
	img.owner = nil
	d.allocated--
	return nil
}

func (d *Digitizer) Open(ctx context.Context) error {
	if d.params.OpenError != nil {
		return d.params.OpenError
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.open = true
	d.limiter = newLimiter(d.params.FPS)
	d.logger.Debug().Int("width", d.params.Width).Int("height", d.params.Height).Float64("fps", d.params.FPS).Msg("Opened")
	return nil
}

func (d *Digitizer) Grab(ctx context.Context, buf pipeline.Buffer) error {
	img, ok := buf.(*Image)
	if !ok || img.owner != d {
		return ErrForeignBuffer
	}

	d.mutex.Lock()
	if !d.open {
		d.mutex.Unlock()
		return ErrNotOpen
	}
	if d.params.Frames > 0 && d.frame >= d.params.Frames {
		d.mutex.Unlock()
		return pipeline.ErrEndOfStream
	}
	limiter := d.limiter
	d.mutex.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	d.mutex.Lock()
	d.frame++
	frame := d.frame
	d.mutex.Unlock()

	render(img, frame)
	img.Frame = frame
	img.Timestamp = time.Now()
	return nil
}

func (d *Digitizer) Halt() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.open = false
	d.logger.Debug().Uint64("frames", d.frame).Msg("Halted")
	return nil
}

// Frames returns how many frames were grabbed since creation
func (d *Digitizer) Frames() uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.frame
}

// Allocated returns the number of live buffers
func (d *Digitizer) Allocated() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.allocated
}

// render draws a diagonal gradient shifted by the frame number
func render(img *Image, frame uint64) {
	shift := int(frame)
	for y := 0; y < img.Height; y++ {
		row := img.Pix[y*img.Width : (y+1)*img.Width]
		for x := range row {
			row[x] = byte(x + y + shift)
		}
	}
}

// Package process has ready made callbacks for a pipeline
package process

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snksoft/crc"

	"github.com/will7200/digproc/pipeline"
)

// Payload is implemented by buffers exposing their content as bytes
type Payload interface {
	Bytes() []byte
}

// Bytes returns the content of buf
func Bytes(buf pipeline.Buffer) ([]byte, error) {
	switch b := buf.(type) {
	case Payload:
		return b.Bytes(), nil
	case []byte:
		return b, nil
	}
	return nil, fmt.Errorf("unsupported buffer type %T", buf)
}

// Chain calls every fn in order, stopping at the first error
func Chain(fns ...pipeline.ProcessFunc) pipeline.ProcessFunc {
	return func(frame pipeline.Frame) error {
		for _, fn := range fns {
			if err := fn(frame); err != nil {
				return err
			}
		}
		return nil
	}
}

var crcTable = crc.NewTable(crc.CRC32)

// Checksum computes the CRC-32 of every frame
type Checksum struct {
	logger zerolog.Logger

	mutex  sync.Mutex
	last   uint32
	frame  uint64
	frames uint64
}

func NewChecksum(logger *zerolog.Logger) *Checksum {
	c := &Checksum{}
	if logger != nil {
		c.logger = logger.With().Str("process", "checksum").Logger()
	} else {
		c.logger = log.With().Str("process", "checksum").Logger()
	}
	return c
}

func (c *Checksum) Process(frame pipeline.Frame) error {
	data, err := Bytes(frame.Buffer)
	if err != nil {
		return err
	}
	sum := Sum(data)

	c.mutex.Lock()
	c.last = sum
	c.frame = frame.Number
	c.frames++
	c.mutex.Unlock()

	c.logger.Debug().Uint64("frame", frame.Number).Int("bytes", len(data)).Uint32("crc", sum).Msg("Frame checksum")
	return nil
}

// Last returns the checksum of the most recent frame and its number
func (c *Checksum) Last() (sum uint32, frame uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.last, c.frame
}

func (c *Checksum) Frames() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.frames
}

// Sum is the CRC-32 (IEEE) of data
func Sum(data []byte) uint32 {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, data)
	return crcTable.CRC32(crcUint)
}

// Counter counts frames and logs progress every Every frames
type Counter struct {
	Every uint64

	logger zerolog.Logger
	count  atomic.Uint64
}

func NewCounter(every uint64, logger *zerolog.Logger) *Counter {
	c := &Counter{Every: every}
	if logger != nil {
		c.logger = *logger
	} else {
		c.logger = log.Logger
	}
	return c
}

func (c *Counter) Process(frame pipeline.Frame) error {
	n := c.count.Add(1)
	if c.Every > 0 && n%c.Every == 0 {
		c.logger.Info().Uint64("frames", n).Uint64("frame", frame.Number).Msg("Processing")
	}
	return nil
}

func (c *Counter) Count() uint64 {
	return c.count.Load()
}

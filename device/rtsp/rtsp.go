// Package rtsp is a digitizer reading a network camera over RTSP. Each
// grabbed buffer holds one access unit: the RTP payloads sharing a
// timestamp, closed by the marker bit.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/cenkalti/backoff"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/vansante/go-ffprobe.v2"

	"github.com/will7200/digproc/pipeline"
)

var _ pipeline.Digitizer = (*Digitizer)(nil)

var (
	ErrNotOpen        = errors.New("rtsp digitizer not open")
	ErrNoVideo        = errors.New("stream has no video media")
	ErrConnectionLost = errors.New("rtsp connection lost")
	ErrForeignBuffer  = errors.New("buffer was not allocated by this digitizer")
)

const (
	DefaultQueueSize      = 16
	DefaultMaxFrameSize   = 1 << 20
	DefaultRetryInterval  = 250 * time.Millisecond
	DefaultConnectTimeout = 10 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
)

// AccessUnit is the buffer type allocated by Digitizer
type AccessUnit struct {
	Data []byte
	// Timestamp is the RTP timestamp shared by every packet of the unit
	Timestamp uint32
	// SequenceNumber of the first packet
	SequenceNumber uint16
	Packets        int
	ReceivedAt     time.Time
	// Truncated is set when the unit exceeded MaxFrameSize
	Truncated bool

	owner *Digitizer
}

func (au *AccessUnit) Bytes() []byte {
	return au.Data
}

type Params struct {
	URL string
	// QueueSize is the number of assembled units held between the network
	// reader and Grab. Units arriving on a full queue are dropped.
	QueueSize    int
	MaxFrameSize int
	// Probe runs ffprobe against URL before connecting
	Probe          bool
	ProbeTimeout   time.Duration
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Logger         *zerolog.Logger
}

// Stats are counters over the lifetime of the digitizer
type Stats struct {
	Packets  uint64
	Units    uint64
	Dropped  uint64
	Oversize uint64
}

type Digitizer struct {
	params Params
	logger zerolog.Logger

	mutex     sync.Mutex
	conn      *connection
	allocated int

	packets  atomic.Uint64
	units    atomic.Uint64
	dropped  atomic.Uint64
	oversize atomic.Uint64
}

func New(params Params) *Digitizer {
	if params.QueueSize <= 0 {
		params.QueueSize = DefaultQueueSize
	}
	if params.MaxFrameSize <= 0 {
		params.MaxFrameSize = DefaultMaxFrameSize
	}
	if params.RetryInterval <= 0 {
		params.RetryInterval = DefaultRetryInterval
	}
	if params.ConnectTimeout <= 0 {
		params.ConnectTimeout = DefaultConnectTimeout
	}
	if params.ProbeTimeout <= 0 {
		params.ProbeTimeout = DefaultProbeTimeout
	}
	d := &Digitizer{params: params}
	if params.Logger != nil {
		d.logger = params.Logger.With().Str("digitizer", "rtsp").Logger()
	} else {
		d.logger = log.With().Str("digitizer", "rtsp").Logger()
	}
	return d
}

func (d *Digitizer) Allocate(index int) (pipeline.Buffer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.allocated++
	return &AccessUnit{
		Data:  make([]byte, 0, d.params.MaxFrameSize),
		owner: d,
	}, nil
}

func (d *Digitizer) Free(buf pipeline.Buffer) error {
	au, ok := buf.(*AccessUnit)
	if !ok || au.owner != d {
		return ErrForeignBuffer
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	au.Data = nil
	au.owner = nil
	d.allocated--
	return nil
}

// Open connects to URL, retrying with exponential backoff until
// ConnectTimeout elapses or ctx is done
func (d *Digitizer) Open(ctx context.Context) error {
	if d.params.Probe {
		if err := d.probe(ctx); err != nil {
			return err
		}
	}

	u, err := base.ParseURL(d.params.URL)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}

	var conn *connection
	attempt := 0
	op := func() error {
		attempt++
		c, err := d.connect(u)
		if err != nil {
			d.logger.Warn().Err(err).Int("attempt", attempt).Msg("Unable to connect")
			return err
		}
		conn = c
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.params.RetryInterval,
		RandomizationFactor: 0.5,
		Multiplier:          2.,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      d.params.ConnectTimeout,
		Clock:               backoff.SystemClock,
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.conn != nil {
		d.conn.client.Close()
	}
	d.conn = conn
	d.logger.Info().Str("url", d.params.URL).Int("attempts", attempt).Msg("Connected")
	return nil
}

func (d *Digitizer) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.params.ProbeTimeout)
	defer cancel()

	data, err := ffprobe.ProbeURL(ctx, d.params.URL)
	if err != nil {
		return fmt.Errorf("probing %s: %w", d.params.URL, err)
	}
	stream := data.FirstVideoStream()
	if stream == nil {
		return ErrNoVideo
	}
	d.logger.Info().
		Str("codec", stream.CodecName).
		Int("width", stream.Width).
		Int("height", stream.Height).
		Msg("Probed stream")
	return nil
}

func (d *Digitizer) connect(u *base.URL) (*connection, error) {
	transport := gortsplib.TransportTCP
	c := &gortsplib.Client{
		Transport:   &transport,
		ReadTimeout: d.params.ReadTimeout,
	}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return nil, err
	}

	desc, _, err := c.Describe(u)
	if err != nil {
		c.Close()
		return nil, err
	}
	var video *description.Media
	for _, media := range desc.Medias {
		if media.Type == description.MediaTypeVideo {
			video = media
			break
		}
	}
	if video == nil {
		c.Close()
		return nil, ErrNoVideo
	}
	if err := c.SetupAll(desc.BaseURL, []*description.Media{video}); err != nil {
		c.Close()
		return nil, err
	}

	conn := &connection{
		client: c,
		units:  make(chan *unit, d.params.QueueSize),
		failed: make(chan struct{}),
	}
	conn.assembler = assembler{
		maxSize: d.params.MaxFrameSize,
		emit:    d.emitter(conn),
	}
	c.OnPacketRTPAny(func(medi *description.Media, forma format.Format, pkt *rtp.Packet) {
		d.packets.Add(1)
		conn.assembler.push(pkt, time.Now())
	})

	if _, err := c.Play(nil); err != nil {
		c.Close()
		return nil, err
	}
	go func() {
		conn.err = c.Wait()
		close(conn.failed)
	}()
	return conn, nil
}

func (d *Digitizer) emitter(conn *connection) func(*unit) {
	return func(u *unit) {
		d.units.Add(1)
		if u.truncated {
			d.oversize.Add(1)
		}
		select {
		case conn.units <- u:
		default:
			d.dropped.Add(1)
		}
	}
}

// Grab blocks for the next access unit
func (d *Digitizer) Grab(ctx context.Context, buf pipeline.Buffer) error {
	au, ok := buf.(*AccessUnit)
	if !ok || au.owner != d {
		return ErrForeignBuffer
	}
	d.mutex.Lock()
	conn := d.conn
	d.mutex.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case u := <-conn.units:
		au.Data = append(au.Data[:0], u.data...)
		au.Timestamp = u.timestamp
		au.SequenceNumber = u.sequence
		au.Packets = u.packets
		au.ReceivedAt = u.receivedAt
		au.Truncated = u.truncated
		return nil
	case <-conn.failed:
		return fmt.Errorf("%w: %w", ErrConnectionLost, conn.err)
	}
}

func (d *Digitizer) Halt() error {
	d.mutex.Lock()
	conn := d.conn
	d.conn = nil
	d.mutex.Unlock()

	if conn != nil {
		conn.client.Close()
		d.logger.Debug().Uint64("units", d.units.Load()).Msg("Halted")
	}
	return nil
}

func (d *Digitizer) Stats() Stats {
	return Stats{
		Packets:  d.packets.Load(),
		Units:    d.units.Load(),
		Dropped:  d.dropped.Load(),
		Oversize: d.oversize.Load(),
	}
}

type connection struct {
	client    *gortsplib.Client
	assembler assembler
	units     chan *unit
	// failed is closed once the client stops, err holds the reason
	failed chan struct{}
	err    error
}

type unit struct {
	data       []byte
	timestamp  uint32
	sequence   uint16
	packets    int
	receivedAt time.Time
	truncated  bool
}

// assembler groups RTP payloads into units. push is only called from
// the client's reader so it needs no locking.
type assembler struct {
	maxSize int
	current *unit
	emit    func(*unit)
}

func (a *assembler) push(pkt *rtp.Packet, now time.Time) {
	// the marker of the previous unit was lost
	if a.current != nil && a.current.timestamp != pkt.Timestamp {
		a.flush()
	}
	if a.current == nil {
		a.current = &unit{
			timestamp:  pkt.Timestamp,
			sequence:   pkt.SequenceNumber,
			receivedAt: now,
		}
	}
	a.current.packets++
	if len(a.current.data)+len(pkt.Payload) > a.maxSize {
		a.current.truncated = true
	} else {
		a.current.data = append(a.current.data, pkt.Payload...)
	}
	if pkt.Marker {
		a.flush()
	}
}

func (a *assembler) flush() {
	u := a.current
	a.current = nil
	a.emit(u)
}

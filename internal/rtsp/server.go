package rtsp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay is a single stream RTSP server. One publisher ANNOUNCEs and
// RECORDs, any number of readers PLAY what it sends.
type Relay struct {
	*gortsplib.Server
	mutex     sync.Mutex
	stream    *gortsplib.ServerStream
	publisher *gortsplib.ServerSession
	// published is closed and replaced every time the publisher changes
	published chan struct{}
	params    RelayParams
	logger    zerolog.Logger

	packets atomic.Uint64
	readers atomic.Int64
	conns   atomic.Int64
}

func (sh *Relay) OnRequest(conn *gortsplib.ServerConn, request *base.Request) {
	sh.logger.Trace().Str("request", request.String()).Msg("Received request")
}

func (sh *Relay) OnResponse(conn *gortsplib.ServerConn, response *base.Response) {
	sh.logger.Trace().Str("response", response.String()).Msg("Sent response")
}

func (sh *Relay) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	sh.conns.Add(1)
	sh.logger.Debug().Stringer("remote", ctx.Conn.NetConn().RemoteAddr()).Msg("Client connected")
}

func (sh *Relay) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	sh.conns.Add(-1)
	sh.logger.Debug().Err(ctx.Error).Stringer("remote", ctx.Conn.NetConn().RemoteAddr()).Msg("Client disconnected")
}

// OnSessionClose drops the stream when its publisher goes away, which
// disconnects every reader
func (sh *Relay) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	if sh.stream == nil || ctx.Session != sh.publisher {
		return
	}
	sh.logger.Info().Err(ctx.Error).Msg("Publisher left")
	sh.stream.Close()
	sh.stream = nil
	sh.publisher = nil
}

// currentStream answers DESCRIBE and SETUP, 404 until a publisher announced
func (sh *Relay) currentStream() (*base.Response, *gortsplib.ServerStream, error) {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	if sh.stream == nil {
		return &base.Response{
			StatusCode: base.StatusNotFound,
		}, nil, nil
	}
	return &base.Response{
		StatusCode: base.StatusOK,
	}, sh.stream, nil
}

func (sh *Relay) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return sh.currentStream()
}

// OnAnnounce called when receiving an ANNOUNCE request.
func (sh *Relay) OnAnnounce(ctx *gortsplib.ServerHandlerOnAnnounceCtx) (*base.Response, error) {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	// a new publisher replaces the old one
	if sh.stream != nil {
		sh.stream.Close()
		sh.publisher.Close()
	}

	sh.stream = gortsplib.NewServerStream(sh.Server, ctx.Description)
	sh.publisher = ctx.Session
	close(sh.published)
	sh.published = make(chan struct{})
	sh.logger.Info().Int("medias", len(ctx.Description.Medias)).Msg("Publisher announced")

	return &base.Response{
		StatusCode: base.StatusOK,
	}, nil
}

func (sh *Relay) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return sh.currentStream()
}

// OnPlay called when receiving a PLAY request.
func (sh *Relay) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	sh.readers.Add(1)
	return &base.Response{
		StatusCode: base.StatusOK,
	}, nil
}

// OnRecord called when receiving a RECORD request.
func (sh *Relay) OnRecord(ctx *gortsplib.ServerHandlerOnRecordCtx) (*base.Response, error) {
	sh.mutex.Lock()
	stream := sh.stream
	sh.mutex.Unlock()
	if stream == nil {
		return &base.Response{
			StatusCode: base.StatusBadRequest,
		}, nil
	}

	ctx.Session.OnPacketRTPAny(func(medi *description.Media, forma format.Format, pkt *rtp.Packet) {
		sh.packets.Add(1)
		if err := stream.WritePacketRTP(medi, pkt); err != nil {
			sh.logger.Trace().Err(err).Msg("Unable to relay packet")
		}
	})

	return &base.Response{
		StatusCode: base.StatusOK,
	}, nil
}

// HasStream reports whether a publisher is connected
func (sh *Relay) HasStream() bool {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	return sh.stream != nil
}

// StreamDescription returns the publisher's session, nil without one
func (sh *Relay) StreamDescription() *description.Session {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	if sh.stream == nil {
		return nil
	}
	return sh.stream.Description()
}

// WaitForPublisher blocks until a publisher has announced a stream
func (sh *Relay) WaitForPublisher(ctx context.Context) error {
	for {
		sh.mutex.Lock()
		if sh.stream != nil {
			sh.mutex.Unlock()
			return nil
		}
		published := sh.published
		sh.mutex.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-published:
		}
	}
}

// Packets returns the number of RTP packets received from publishers
func (sh *Relay) Packets() uint64 {
	return sh.packets.Load()
}

// Connections returns the number of open client connections
func (sh *Relay) Connections() int64 {
	return sh.conns.Load()
}

// Readers returns the number of PLAY requests served
func (sh *Relay) Readers() int64 {
	return sh.readers.Load()
}

// Run starts the relay and closes it when ctx is done
func (sh *Relay) Run(ctx context.Context) error {
	if err := sh.Start(); err != nil {
		return err
	}
	sh.logger.Info().Msg("Relay listening")
	go func() {
		<-ctx.Done()
		sh.Close()
	}()
	return nil
}

type RelayParams struct {
	// the RTSP address of the server, to accept connections and send and receive
	// packets with the TCP transport.
	RTSPAddress string
	// ReadTimeout defaults to the gortsplib default
	ReadTimeout time.Duration
}

func NewRelay(params RelayParams) *Relay {
	h := &Relay{
		params:    params,
		published: make(chan struct{}),
		logger:    log.With().Str("rtsp", params.RTSPAddress).Logger(),
	}
	h.Server = &gortsplib.Server{
		Handler:     h,
		RTSPAddress: params.RTSPAddress,
		ReadTimeout: params.ReadTimeout,
	}
	return h
}

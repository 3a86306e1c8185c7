package rtsp

import (
	"errors"
	"sync"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
)

// DefaultMaxPayload keeps packets under a typical 1500 byte MTU
const DefaultMaxPayload = 1200

const payloadType = 96

// Publisher pushes opaque frames to an RTSP server, one RTP packet per
// MaxPayload bytes with the marker bit set on the last packet of a frame.
type Publisher struct {
	MaxPayload int

	client *gortsplib.Client
	media  *description.Media

	mutex    sync.Mutex
	sequence uint16
}

// NewPublisher ANNOUNCEs a single video media at url and starts recording
func NewPublisher(url string) (*Publisher, error) {
	media := &description.Media{
		Type: description.MediaTypeVideo,
		Formats: []format.Format{&format.H264{
			PayloadTyp:        payloadType,
			PacketizationMode: 1,
		}},
	}
	transport := gortsplib.TransportTCP
	client := &gortsplib.Client{
		Transport: &transport,
	}
	err := client.StartRecording(url, &description.Session{
		Medias: []*description.Media{media},
	})
	if err != nil {
		return nil, err
	}
	return &Publisher{
		MaxPayload: DefaultMaxPayload,
		client:     client,
		media:      media,
	}, nil
}

// WriteFrame sends data as one frame stamped with the RTP timestamp ts
func (p *Publisher) WriteFrame(data []byte, ts uint32) error {
	if len(data) == 0 {
		return errors.New("empty frame")
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	maxPayload := p.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	for offset := 0; offset < len(data); offset += maxPayload {
		end := offset + maxPayload
		if end > len(data) {
			end = len(data)
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadType,
				SequenceNumber: p.sequence,
				Timestamp:      ts,
				SSRC:           0x64696770,
				Marker:         end == len(data),
			},
			Payload: data[offset:end],
		}
		p.sequence++
		if err := p.client.WritePacketRTP(p.media, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) Close() {
	p.client.Close()
}

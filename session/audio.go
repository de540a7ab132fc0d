package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameTime   = 20 * time.Millisecond
	framesPerBuffer = 1920 // 40ms of mono 48k, large enough for any opus frame
)

// remoteTrack holds the decode and recording state for one subscribed
// audio track.
type remoteTrack struct {
	identity string
	decoder  *opus.Decoder

	mu     sync.Mutex
	rms    float64
	ogg    *oggwriter.OggWriter
	closed bool
}

func (rt *remoteTrack) level() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.rms
}

func (rt *remoteTrack) setLevel(v float64) {
	rt.mu.Lock()
	rt.rms = v
	rt.mu.Unlock()
}

func (rt *remoteTrack) close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return
	}
	rt.closed = true
	if rt.ogg != nil {
		_ = rt.ogg.Close()
		rt.ogg = nil
	}
}

// streamOGG pushes Opus pages from an OGG file into the local track with
// 20ms pacing, until EOF or cancellation.
func (s *Session) streamOGG(ctx context.Context, track *lksdk.LocalTrack, path string) {
	f, err := os.Open(path)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("open audio file")
		return
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("parse ogg")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pageData, _, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			s.log.Debug().Str("path", path).Msg("audio file finished")
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("read ogg page")
			return
		}

		if err := track.WriteSample(media.Sample{
			Data:     pageData,
			Duration: opusFrameTime,
		}, nil); err != nil {
			s.log.Warn().Err(err).Msg("write audio sample")
			return
		}
		time.Sleep(opusFrameTime)
	}
}

func (s *Session) onTrackSubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, participant *lksdk.RemoteParticipant) {
	if publication.Kind() != lksdk.TrackKindAudio {
		return
	}

	decoder, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		s.log.Error().Err(err).Str("identity", participant.Identity()).Msg("create opus decoder")
		return
	}

	rt := &remoteTrack{
		identity: participant.Identity(),
		decoder:  decoder,
	}
	if s.cfg.RecordDir != "" {
		name := fmt.Sprintf("%s-%s.ogg", participant.Identity(), publication.SID())
		ogg, err := oggwriter.New(filepath.Join(s.cfg.RecordDir, name), opusSampleRate, opusChannels)
		if err != nil {
			s.log.Warn().Err(err).Msg("create ogg recorder")
		} else {
			rt.ogg = ogg
		}
	}

	trackID := participant.Identity() + "_" + publication.SID()
	s.mu.Lock()
	s.remoteTracks[trackID] = rt
	s.mu.Unlock()

	s.log.Info().Str("identity", participant.Identity()).Str("track", publication.SID()).Msg("audio track subscribed")
	go s.readRemoteAudio(track, rt, trackID)
}

func (s *Session) onTrackUnsubscribed(_ *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, participant *lksdk.RemoteParticipant) {
	if publication.Kind() != lksdk.TrackKindAudio {
		return
	}
	trackID := participant.Identity() + "_" + publication.SID()
	s.mu.Lock()
	rt := s.remoteTracks[trackID]
	delete(s.remoteTracks, trackID)
	s.mu.Unlock()
	if rt != nil {
		rt.close()
	}
}

// readRemoteAudio drains one remote track: records packets when a
// recorder is configured and decodes them for level metering.
func (s *Session) readRemoteAudio(track *webrtc.TrackRemote, rt *remoteTrack, trackID string) {
	defer func() {
		s.mu.Lock()
		delete(s.remoteTracks, trackID)
		s.mu.Unlock()
		rt.close()
	}()

	pcm := make([]float32, framesPerBuffer)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Str("identity", rt.identity).Msg("remote track ended")
			}
			return
		}

		rt.mu.Lock()
		ogg := rt.ogg
		rt.mu.Unlock()
		if ogg != nil {
			if err := ogg.WriteRTP(pkt); err != nil {
				s.log.Warn().Err(err).Msg("write recording")
			}
		}

		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := rt.decoder.DecodeFloat32(pkt.Payload, pcm)
		if err != nil || n == 0 {
			continue
		}
		rt.setLevel(rmsLevel(pcm[:n*opusChannels]))
	}
}

func rmsLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

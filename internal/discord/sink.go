package discord

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/korahq/kora/pkg/audio"
)

// Discord voice is 48 kHz stereo Opus in 20 ms frames.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	// opusFrameSize is samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate / 50 // 960
)

// VoiceSink plays synthesized WAV audio into a Discord voice channel.
// Playback is sequential; Play blocks until the clip has been queued to
// the gateway, which preserves the turn's sentence order.
type VoiceSink struct {
	session   *discordgo.Session
	guildID   string
	channelID string

	mu  sync.Mutex
	vc  *discordgo.VoiceConnection
	enc *gopus.Encoder
}

// NewVoiceSink creates a sink for the given voice channel. Join must be
// called before the first Play.
func NewVoiceSink(session *discordgo.Session, guildID, channelID string) (*VoiceSink, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &VoiceSink{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
		enc:       enc,
	}, nil
}

// Join connects to the voice channel. Joining an already joined sink is
// a no-op.
func (s *VoiceSink) Join() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vc != nil {
		return nil
	}
	vc, err := s.session.ChannelVoiceJoin(s.guildID, s.channelID, false, true)
	if err != nil {
		return fmt.Errorf("discord: join voice channel %s: %w", s.channelID, err)
	}
	s.vc = vc
	return nil
}

// Play decodes wavData, converts it to the gateway's 48 kHz stereo
// format, and streams it as Opus frames. It returns once every frame has
// been handed to the voice connection.
func (s *VoiceSink) Play(wavData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vc == nil {
		return fmt.Errorf("discord: voice channel not joined")
	}

	wav, err := audio.DecodeWAV(wavData)
	if err != nil {
		return fmt.Errorf("discord: play: %w", err)
	}

	mono := wav.Samples
	if wav.Channels == 2 {
		mono = audio.StereoToMono(mono)
	}
	mono = audio.ResampleMono(mono, wav.SampleRate, opusSampleRate)
	stereo := audio.MonoToStereo(mono)

	if err := s.vc.Speaking(true); err != nil {
		return fmt.Errorf("discord: speaking on: %w", err)
	}
	defer func() { _ = s.vc.Speaking(false) }()

	const frameSamples = opusFrameSize * opusChannels
	for off := 0; off < len(stereo); off += frameSamples {
		end := off + frameSamples
		if end > len(stereo) {
			// Pad the tail so the encoder always sees a full frame.
			frame := make([]int16, frameSamples)
			copy(frame, stereo[off:])
			stereo = append(stereo[:off], frame...)
			end = off + frameSamples
		}
		packet, err := s.enc.Encode(stereo[off:end], opusFrameSize, frameSamples*2)
		if err != nil {
			return fmt.Errorf("discord: opus encode: %w", err)
		}
		s.vc.OpusSend <- packet
	}
	return nil
}

// Close leaves the voice channel.
func (s *VoiceSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vc == nil {
		return nil
	}
	err := s.vc.Disconnect()
	s.vc = nil
	return err
}

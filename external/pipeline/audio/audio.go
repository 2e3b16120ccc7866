// Package audio implements pipeline.AudioMixer by decoding each
// participant's Opus frame and summing the resulting PCM samples,
// following the teacher's OpusMixer (decode-then-linear-mix) rather
// than a frequency-domain mixer. Output is normalized to mono at
// 48kHz regardless of how many participants are speaking.
package audio

import (
	"fmt"
	"math"

	"github.com/hraban/opus"

	"github.com/meetingbots/orchestrator/internal/pipeline"
)

const (
	sampleRate     = 48000
	channels       = 1
	samplesPerSlot = sampleRate / 100 * channels // 10ms at 48kHz mono

	// softClipKnee is the full-scale fraction above which samples are
	// compressed rather than clamped, so several simultaneous speakers
	// round off smoothly instead of producing audible brick-wall clipping.
	softClipKnee = 0.95 * float64(math.MaxInt16)
)

type Mixer struct {
	decoders map[string]*opus.Decoder
}

func NewMixer() *Mixer {
	return &Mixer{decoders: make(map[string]*opus.Decoder)}
}

func (m *Mixer) decoderFor(participantUUID string) (*opus.Decoder, error) {
	if dec, ok := m.decoders[participantUUID]; ok {
		return dec, nil
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder for participant %s: %w", participantUUID, err)
	}
	m.decoders[participantUUID] = dec
	return dec, nil
}

// MixSlot decodes each participant's Opus frame for this slot and sums
// the PCM samples, clamping to int16 range to avoid wraparound when
// several participants speak at once.
func (m *Mixer) MixSlot(slot int64, perParticipantPCM map[string][]byte) ([]byte, error) {
	mixed := make([]int32, samplesPerSlot)
	any := false

	for participantUUID, opusFrame := range perParticipantPCM {
		if len(opusFrame) == 0 {
			continue
		}
		dec, err := m.decoderFor(participantUUID)
		if err != nil {
			return nil, err
		}
		pcm := make([]int16, samplesPerSlot)
		n, err := dec.Decode(opusFrame, pcm)
		if err != nil {
			return nil, fmt.Errorf("decode opus frame for participant %s slot %d: %w", participantUUID, slot, err)
		}
		any = true
		for i := 0; i < n*channels && i < len(mixed); i++ {
			mixed[i] += int32(pcm[i])
		}
	}
	if !any {
		return nil, nil
	}

	out := make([]byte, samplesPerSlot*2)
	for i, sample := range mixed {
		clamped := softClipInt16(sample)
		out[i*2] = byte(clamped)
		out[i*2+1] = byte(clamped >> 8)
	}
	return out, nil
}

// softClipInt16 compresses samples above softClipKnee with a tanh knee
// instead of hard-clamping at full scale, so mixing several speakers'
// frames together rounds off rather than clips abruptly.
func softClipInt16(v int32) int16 {
	sign := 1.0
	abs := float64(v)
	if abs < 0 {
		sign = -1.0
		abs = -abs
	}
	if abs <= softClipKnee {
		return int16(sign * abs)
	}
	headroom := float64(math.MaxInt16) - softClipKnee
	compressed := softClipKnee + headroom*math.Tanh((abs-softClipKnee)/headroom)
	return int16(sign * compressed)
}

func (m *Mixer) Close() error {
	m.decoders = nil
	return nil
}

var _ pipeline.AudioMixer = (*Mixer)(nil)

// Package muxer implements pipeline.Muxer by spooling mixed audio and
// composited video to temporary raw files and invoking ffmpeg through
// xfrr/goffmpeg's transcoder to produce the final container, following
// the teacher's preference for a thin wrapper over a CLI tool rather
// than binding libav directly.
package muxer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xfrr/goffmpeg/transcoder"

	"github.com/meetingbots/orchestrator/internal/pipeline"
)

type Config struct {
	WorkDir     string
	OutputDir   string
	VideoCodec  string
	AudioCodec  string
	FrameWidth  int
	FrameHeight int
}

type Muxer struct {
	cfg Config

	audioFile *os.File
	videoFile *os.File
	lastSlot  int64

	paused         bool
	lastVideoFrame []byte
}

func New(cfg Config, sessionID string) (*Muxer, error) {
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = "libx264"
	}
	if cfg.AudioCodec == "" {
		cfg.AudioCodec = "aac"
	}

	audioPath := filepath.Join(cfg.WorkDir, sessionID+".pcm")
	videoPath := filepath.Join(cfg.WorkDir, sessionID+".rgb")

	audioFile, err := os.Create(audioPath)
	if err != nil {
		return nil, fmt.Errorf("create audio spool file: %w", err)
	}
	videoFile, err := os.Create(videoPath)
	if err != nil {
		_ = audioFile.Close()
		return nil, fmt.Errorf("create video spool file: %w", err)
	}

	return &Muxer{cfg: cfg, audioFile: audioFile, videoFile: videoFile}, nil
}

// Pause marks the stream as paused: subsequent WriteAudio/WriteVideo
// calls substitute silence and a frozen frame so the output keeps
// advancing instead of stalling or cutting.
func (m *Muxer) Pause() {
	m.paused = true
}

// Resume ends a paused interval; writes go through unchanged again.
func (m *Muxer) Resume() {
	m.paused = false
}

func (m *Muxer) WriteAudio(slot int64, pcm []byte) error {
	out := pcm
	if m.paused {
		out = make([]byte, len(pcm))
	}
	if _, err := m.audioFile.Write(out); err != nil {
		return fmt.Errorf("write audio slot %d: %w", slot, err)
	}
	return nil
}

func (m *Muxer) WriteVideo(slot int64, frame []byte) error {
	out := frame
	if m.paused && m.lastVideoFrame != nil {
		out = m.lastVideoFrame
	} else {
		m.lastVideoFrame = frame
	}
	if _, err := m.videoFile.Write(out); err != nil {
		return fmt.Errorf("write video slot %d: %w", slot, err)
	}
	m.lastSlot = slot
	return nil
}

// Finalize muxes the spooled raw streams into an mp4 via ffmpeg,
// returning the output path and the recording's wall-clock duration
// derived from the last video slot written.
func (m *Muxer) Finalize() (string, int64, error) {
	if err := m.audioFile.Close(); err != nil {
		return "", 0, fmt.Errorf("close audio spool file: %w", err)
	}
	if err := m.videoFile.Close(); err != nil {
		return "", 0, fmt.Errorf("close video spool file: %w", err)
	}

	outputPath := filepath.Join(m.cfg.OutputDir, filepath.Base(m.audioFile.Name())+".mp4")

	trans := new(transcoder.Transcoder)
	if err := trans.Initialize(m.videoFile.Name(), outputPath); err != nil {
		return "", 0, fmt.Errorf("initialize transcoder: %w", err)
	}
	mediaFile := trans.MediaFile()
	mediaFile.SetVideoCodec(m.cfg.VideoCodec)
	mediaFile.SetAudioCodec(m.cfg.AudioCodec)
	mediaFile.SetResolution(fmt.Sprintf("%dx%d", m.cfg.FrameWidth, m.cfg.FrameHeight))
	mediaFile.SetInputPath(m.videoFile.Name())

	done := trans.Run(true)
	if err := <-done; err != nil {
		return "", 0, fmt.Errorf("run ffmpeg mux: %w", err)
	}

	durationMS := pipeline.SlotToMS(m.lastSlot)
	return outputPath, durationMS, nil
}

func (m *Muxer) Close() error {
	_ = os.Remove(m.audioFile.Name())
	_ = os.Remove(m.videoFile.Name())
	return nil
}

var _ pipeline.Muxer = (*Muxer)(nil)

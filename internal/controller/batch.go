package controller

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// batchAudioBuffer spools one participant's raw PCM frames to a temp
// file instead of streaming them to the transcription coordinator
// live. It backs the batch TranscriptionMode: every frame is replayed
// in order once the meeting ends rather than transcribed as it
// arrives.
type batchAudioBuffer struct {
	file *os.File
}

func newBatchAudioBuffer(participantUUID string) (*batchAudioBuffer, error) {
	f, err := os.CreateTemp("", "meetingbot-batch-audio-"+participantUUID+"-*.bin")
	if err != nil {
		return nil, err
	}
	return &batchAudioBuffer{file: f}, nil
}

// Write appends one frame as a little-endian int64 relative timestamp
// followed by an int32 payload length and the raw PCM bytes.
func (b *batchAudioBuffer) Write(relativeMS int64, pcm []byte) error {
	if err := binary.Write(b.file, binary.LittleEndian, relativeMS); err != nil {
		return err
	}
	if err := binary.Write(b.file, binary.LittleEndian, int32(len(pcm))); err != nil {
		return err
	}
	_, err := b.file.Write(pcm)
	return err
}

// Replay reads every frame back in write order, invoking fn for each.
func (b *batchAudioBuffer) Replay(fn func(relativeMS int64, pcm []byte) error) error {
	if _, err := b.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek batch audio buffer: %w", err)
	}
	for {
		var relativeMS int64
		if err := binary.Read(b.file, binary.LittleEndian, &relativeMS); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read batch audio frame header: %w", err)
		}
		var length int32
		if err := binary.Read(b.file, binary.LittleEndian, &length); err != nil {
			return fmt.Errorf("read batch audio frame length: %w", err)
		}
		pcm := make([]byte, length)
		if _, err := io.ReadFull(b.file, pcm); err != nil {
			return fmt.Errorf("read batch audio frame payload: %w", err)
		}
		if err := fn(relativeMS, pcm); err != nil {
			return err
		}
	}
}

func (b *batchAudioBuffer) Close() {
	name := b.file.Name()
	_ = b.file.Close()
	_ = os.Remove(name)
}

// Package googlespeech implements transcriber.SessionFactory against
// Google Cloud Speech-to-Text v2's streaming API, adapted from the
// teacher's external/transcriber/cloud_speech.go: same
// reconnect-on-Aborted/EOF handling, generalized here to one session
// per participant with word-level timing instead of one session per
// Discord voice channel with segment indices.
package googlespeech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/transcriber"
)

const (
	speechAPIEndpointPort = 443
	audioSampleRateHertz  = 48000
	audioChannelCount     = 1
)

type Config struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
	Model           string
}

type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) Open(ctx context.Context, botID, participantUUID, languageCode string) (transcriber.Session, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(f.cfg.CredentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect google cloud credentials: %w", err)
	}

	opts := []option.ClientOption{option.WithAuthCredentials(creds)}
	if f.cfg.Location != "" && f.cfg.Location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", f.cfg.Location, speechAPIEndpointPort)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}

	recognizer := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", f.cfg.ProjectID, f.cfg.Location)
	sendConfig := func(s speechpb.Speech_StreamingRecognizeClient) error {
		return s.Send(&speechpb.StreamingRecognizeRequest{
			Recognizer: recognizer,
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: &speechpb.StreamingRecognitionConfig{
					Config: &speechpb.RecognitionConfig{
						Model:         f.cfg.Model,
						LanguageCodes: []string{languageCode},
						DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
							ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
								Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
								SampleRateHertz:   audioSampleRateHertz,
								AudioChannelCount: audioChannelCount,
							},
						},
						Features: &speechpb.RecognitionFeatures{EnableWordTimeOffsets: true},
					},
					StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
				},
			},
		})
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open streaming recognize: %w", err)
	}
	if err := sendConfig(stream); err != nil {
		_ = stream.CloseSend()
		_ = client.Close()
		return nil, fmt.Errorf("send streaming config: %w", err)
	}

	s := &session{
		ctx:             ctx,
		botID:           botID,
		participantUUID: participantUUID,
		stream:          stream,
		newStreamFn: func() (speechpb.Speech_StreamingRecognizeClient, error) {
			next, err := client.StreamingRecognize(ctx)
			if err != nil {
				return nil, err
			}
			if err := sendConfig(next); err != nil {
				_ = next.CloseSend()
				return nil, err
			}
			return next, nil
		},
		closeFn: client.Close,
	}
	s.startReceiver(stream)
	return s, nil
}

type session struct {
	ctx             context.Context
	botID           string
	participantUUID string

	mu          sync.Mutex
	closed      bool
	stream      speechpb.Speech_StreamingRecognizeClient
	newStreamFn func() (speechpb.Speech_StreamingRecognizeClient, error)
	closeFn     func() error

	finalUtterances []botdomain.Utterance
}

func (s *session) SendAudio(ctx context.Context, relativeMS int64, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: pcm},
	}
	if err := s.stream.Send(req); err != nil {
		if !isReconnectableStreamError(err) {
			return fmt.Errorf("send audio: %w", err)
		}
		slog.Warn("transcription stream send failed with reconnectable error; reconnecting", "error", err, "participant_uuid", s.participantUUID)
		if rerr := s.reconnectLocked(); rerr != nil {
			return fmt.Errorf("reconnect stream: %w", rerr)
		}
		return s.stream.Send(req)
	}
	return nil
}

func (s *session) Close(ctx context.Context) ([]botdomain.Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.finalUtterances, nil
	}
	s.closed = true
	if err := s.stream.CloseSend(); err != nil {
		_ = s.closeFn()
		return s.finalUtterances, fmt.Errorf("close send: %w", err)
	}
	if err := s.closeFn(); err != nil {
		return s.finalUtterances, fmt.Errorf("close client: %w", err)
	}
	return s.finalUtterances, nil
}

func (s *session) reconnectLocked() error {
	_ = s.stream.CloseSend()
	next, err := s.newStreamFn()
	if err != nil {
		return err
	}
	s.stream = next
	s.startReceiver(next)
	return nil
}

func (s *session) startReceiver(stream speechpb.Speech_StreamingRecognizeClient) {
	go func() {
		for {
			resp, err := stream.Recv()
			if err != nil {
				if err == io.EOF || strings.Contains(err.Error(), "context canceled") {
					return
				}
				if isReconnectableStreamError(err) {
					slog.Warn("transcription receive loop ended with reconnectable abort", "error", err, "participant_uuid", s.participantUUID)
					return
				}
				slog.Error("transcription receive loop failed", "error", err, "participant_uuid", s.participantUUID)
				return
			}
			for _, result := range resp.GetResults() {
				if !result.GetIsFinal() || len(result.GetAlternatives()) == 0 {
					continue
				}
				s.recordFinalResult(result.GetAlternatives()[0])
			}
		}
	}()
}

func (s *session) recordFinalResult(alt *speechpb.SpeechRecognitionAlternative) {
	words := make([]botdomain.Word, 0, len(alt.GetWords()))
	var minStart, maxEnd int64
	first := true
	for _, w := range alt.GetWords() {
		startMS := w.GetStartOffset().AsDuration().Milliseconds()
		endMS := w.GetEndOffset().AsDuration().Milliseconds()
		words = append(words, botdomain.Word{
			Word:    w.GetWord(),
			StartMS: startMS,
			EndMS:   endMS,
		})
		if first || startMS < minStart {
			minStart = startMS
		}
		if first || endMS > maxEnd {
			maxEnd = endMS
		}
		first = false
	}

	s.mu.Lock()
	s.finalUtterances = append(s.finalUtterances, botdomain.Utterance{
		ParticipantID:       s.participantUUID,
		RelativeTimestampMS: minStart,
		DurationMS:          maxEnd - minStart,
		Transcript:          alt.GetTranscript(),
		Words:               words,
		IsFinal:             true,
	})
	s.mu.Unlock()
}

func isReconnectableStreamError(err error) bool {
	if err == io.EOF || strings.Contains(strings.ToLower(err.Error()), "eof") {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}

var _ transcriber.SessionFactory = (*Factory)(nil)

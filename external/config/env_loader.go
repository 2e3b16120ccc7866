package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/meetingbots/orchestrator/internal/config"
)

type envConfig struct {
	Env string `env:"ENV" envDefault:"production"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID,required"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON,required"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"global"`
	GoogleCloudSpeechModel     string `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_3"`

	ObjectStoreBackend     string `env:"OBJECT_STORE_BACKEND" envDefault:"s3"`
	S3Endpoint             string `env:"S3_ENDPOINT"`
	S3Region               string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket               string `env:"S3_BUCKET"`
	S3AccessKeyID          string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey      string `env:"S3_SECRET_ACCESS_KEY"`
	SwiftAuthURL           string `env:"SWIFT_AUTH_URL"`
	SwiftApplicationID     string `env:"SWIFT_APPLICATION_CREDENTIAL_ID"`
	SwiftApplicationSecret string `env:"SWIFT_APPLICATION_CREDENTIAL_SECRET"`
	SwiftContainer         string `env:"SWIFT_CONTAINER" envDefault:"recordings"`

	LauncherKind string `env:"LAUNCHER_KIND" envDefault:"process"`
	WorkerBinary string `env:"WORKER_BINARY,required"`

	DispatcherTickInterval time.Duration `env:"DISPATCHER_TICK_INTERVAL" envDefault:"5s"`
	DispatcherPreRoll      time.Duration `env:"DISPATCHER_PRE_ROLL" envDefault:"60s"`
	HeartbeatInterval      time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	HeartbeatTimeout       time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"120s"`
	LaunchRetryTimeout     time.Duration `env:"LAUNCH_RETRY_TIMEOUT" envDefault:"10m"`

	AutoLeaveOnlyParticipant time.Duration `env:"AUTO_LEAVE_ONLY_PARTICIPANT" envDefault:"60s"`
	AutoLeaveSilence         time.Duration `env:"AUTO_LEAVE_SILENCE" envDefault:"600s"`
	AutoLeaveMaxDuration     time.Duration `env:"AUTO_LEAVE_MAX_DURATION" envDefault:"4h"`
	AutoLeaveWaitingRoom     time.Duration `env:"AUTO_LEAVE_WAITING_ROOM" envDefault:"600s"`

	ShutdownFlushTimeout time.Duration `env:"SHUTDOWN_FLUSH_TIMEOUT" envDefault:"30s"`
	ShutdownGuardTimeout time.Duration `env:"SHUTDOWN_GUARD_TIMEOUT" envDefault:"120s"`

	MediaWorkDir          string        `env:"MEDIA_WORK_DIR" envDefault:"/tmp/meetingbot-media"`
	MediaOutputDir        string        `env:"MEDIA_OUTPUT_DIR" envDefault:"/tmp/meetingbot-media/out"`
	MediaCanvasWidth      int           `env:"MEDIA_CANVAS_WIDTH" envDefault:"1280"`
	MediaCanvasHeight     int           `env:"MEDIA_CANVAS_HEIGHT" envDefault:"720"`
	MediaCompositorPolicy string        `env:"MEDIA_COMPOSITOR_POLICY" envDefault:"speaker_view"`
	SpeakerHysteresisHold time.Duration `env:"SPEAKER_HYSTERESIS_HOLD" envDefault:"1s"`

	WebhookConnectTimeout time.Duration `env:"WEBHOOK_CONNECT_TIMEOUT" envDefault:"10s"`
	WebhookTotalTimeout   time.Duration `env:"WEBHOOK_TOTAL_TIMEOUT" envDefault:"30s"`
	WebhookWorkerCount    int           `env:"WEBHOOK_WORKER_COUNT" envDefault:"8"`

	AllowNegativeCredits bool   `env:"ALLOW_NEGATIVE_CREDITS" envDefault:"false"`
	LowCreditThreshold   string `env:"LOW_CREDIT_THRESHOLD" envDefault:"0"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                      raw.Env,
		DatabaseURL:              raw.DatabaseURL,
		GoogleCloudProjectID:     raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:     raw.GoogleCloudSpeechModel,
		ObjectStoreBackend:       raw.ObjectStoreBackend,
		S3Endpoint:               raw.S3Endpoint,
		S3Region:                 raw.S3Region,
		S3Bucket:                 raw.S3Bucket,
		S3AccessKeyID:            raw.S3AccessKeyID,
		S3SecretAccessKey:        raw.S3SecretAccessKey,
		SwiftAuthURL:             raw.SwiftAuthURL,
		SwiftApplicationID:       raw.SwiftApplicationID,
		SwiftApplicationSecret:   raw.SwiftApplicationSecret,
		SwiftContainer:           raw.SwiftContainer,
		LauncherKind:             raw.LauncherKind,
		WorkerBinary:             raw.WorkerBinary,
		DispatcherTickInterval:   raw.DispatcherTickInterval,
		DispatcherPreRoll:        raw.DispatcherPreRoll,
		HeartbeatInterval:        raw.HeartbeatInterval,
		HeartbeatTimeout:         raw.HeartbeatTimeout,
		LaunchRetryTimeout:       raw.LaunchRetryTimeout,
		AutoLeaveOnlyParticipant: raw.AutoLeaveOnlyParticipant,
		AutoLeaveSilence:         raw.AutoLeaveSilence,
		AutoLeaveMaxDuration:     raw.AutoLeaveMaxDuration,
		AutoLeaveWaitingRoom:     raw.AutoLeaveWaitingRoom,
		ShutdownFlushTimeout:     raw.ShutdownFlushTimeout,
		ShutdownGuardTimeout:     raw.ShutdownGuardTimeout,
		MediaWorkDir:             raw.MediaWorkDir,
		MediaOutputDir:           raw.MediaOutputDir,
		MediaCanvasWidth:         raw.MediaCanvasWidth,
		MediaCanvasHeight:        raw.MediaCanvasHeight,
		MediaCompositorPolicy:    raw.MediaCompositorPolicy,
		SpeakerHysteresisHold:    raw.SpeakerHysteresisHold,
		WebhookConnectTimeout:    raw.WebhookConnectTimeout,
		WebhookTotalTimeout:      raw.WebhookTotalTimeout,
		WebhookWorkerCount:       raw.WebhookWorkerCount,
		AllowNegativeCredits:     raw.AllowNegativeCredits,
		LowCreditThreshold:       raw.LowCreditThreshold,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

package config

import (
	"fmt"
	"time"
)

type Config struct {
	Env string

	DatabaseURL string

	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string

	ObjectStoreBackend string // "s3" or "swift"
	S3Endpoint         string
	S3Region           string
	S3Bucket           string
	S3AccessKeyID      string
	S3SecretAccessKey  string

	SwiftAuthURL         string
	SwiftApplicationID   string
	SwiftApplicationSecret string
	SwiftContainer       string

	LauncherKind string // "process" or "container"
	WorkerBinary string

	DispatcherTickInterval    time.Duration
	DispatcherPreRoll         time.Duration
	HeartbeatInterval         time.Duration
	HeartbeatTimeout          time.Duration
	LaunchRetryTimeout        time.Duration

	AutoLeaveOnlyParticipant time.Duration
	AutoLeaveSilence         time.Duration
	AutoLeaveMaxDuration     time.Duration
	AutoLeaveWaitingRoom     time.Duration

	ShutdownFlushTimeout time.Duration
	ShutdownGuardTimeout time.Duration

	MediaWorkDir             string
	MediaOutputDir           string
	MediaCanvasWidth         int
	MediaCanvasHeight        int
	MediaCompositorPolicy    string // "speaker_view" or "gallery_view"
	SpeakerHysteresisHold    time.Duration

	WebhookConnectTimeout time.Duration
	WebhookTotalTimeout   time.Duration
	WebhookWorkerCount    int

	AllowNegativeCredits bool
	LowCreditThreshold   string // parsed to apd.Decimal by callers
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if c.ObjectStoreBackend != "s3" && c.ObjectStoreBackend != "swift" {
		return fmt.Errorf("OBJECT_STORE_BACKEND must be \"s3\" or \"swift\", got %q", c.ObjectStoreBackend)
	}
	if c.LauncherKind != "process" && c.LauncherKind != "container" {
		return fmt.Errorf("LAUNCHER_KIND must be \"process\" or \"container\", got %q", c.LauncherKind)
	}
	if c.DispatcherTickInterval <= 0 {
		return fmt.Errorf("DISPATCHER_TICK_INTERVAL must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be greater than HEARTBEAT_INTERVAL")
	}
	return nil
}

type requiredField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredField {
	fields := []requiredField{
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "GOOGLE_CLOUD_PROJECT_ID", value: c.GoogleCloudProjectID},
		{name: "GOOGLE_CLOUD_CREDENTIALS_JSON", value: c.GoogleCloudCredentialsJSON},
		{name: "WORKER_BINARY", value: c.WorkerBinary},
	}
	if c.ObjectStoreBackend == "s3" {
		fields = append(fields, requiredField{name: "S3_BUCKET", value: c.S3Bucket})
	}
	if c.ObjectStoreBackend == "swift" {
		fields = append(fields, requiredField{name: "SWIFT_AUTH_URL", value: c.SwiftAuthURL})
	}
	return fields
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

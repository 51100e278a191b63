package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/eleven-am/callstream/internal/call"
	"github.com/eleven-am/callstream/internal/events"
	"github.com/eleven-am/callstream/internal/media"
	"github.com/eleven-am/callstream/internal/protocol"
	"github.com/eleven-am/callstream/internal/recording"
	"github.com/eleven-am/callstream/internal/transcribe"
)

func ProvideAuthenticator(cfg *Config) protocol.Authenticator {
	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = struct{}{}
	}
	return &protocol.HMACAuthenticator{
		Verifier: &protocol.Verifier{
			SecretForKeyID: func(keyID string) ([]byte, bool) {
				if keyID != cfg.SignatureKeyID {
					return nil, false
				}
				return cfg.SignatureSecret, true
			},
			Now:          time.Now,
			MaxClockSkew: time.Minute,
		},
		APIKeyValid: func(apiKey string) bool {
			if len(keys) == 0 {
				return true
			}
			_, ok := keys[apiKey]
			return ok
		},
		OrganizationID: cfg.OrganizationID,
	}
}

func ProvideEmitter(client *redis.Client, log *slog.Logger) *events.Emitter {
	return events.NewEmitter(events.NewStreamPublisher(client), log)
}

func ProvideCallStore(db *gorm.DB) (*call.Store, error) {
	store := call.NewStore(db)
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate call store: %w", err)
	}
	return store, nil
}

func ProvideRecordingStore(cfg *Config, client *s3.Client) *recording.Store {
	baseURL := cfg.RecordingBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.S3Bucket, cfg.S3Region)
	}
	return recording.NewStore(client, cfg.S3Bucket, cfg.S3Prefix, baseURL)
}

// ProvideEngineFactory selects the transcription backend once, from
// configuration; every call then gets its own engine instance.
func ProvideEngineFactory(cfg *Config, log *slog.Logger) (call.EngineFactory, error) {
	switch cfg.Engine {
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("deepgram engine requires DEEPGRAM_API_KEY")
		}
		return call.EngineFactoryFunc(func(callID string) (transcribe.Engine, error) {
			return transcribe.NewContinuousEngine(transcribe.ContinuousEngineConfig{
				APIKey: cfg.DeepgramAPIKey,
				Model:  cfg.DeepgramModel,
				Log:    log,
			}), nil
		}), nil

	case "analytics":
		if cfg.AnalyticsURL == "" {
			return nil, fmt.Errorf("analytics engine requires ANALYTICS_WS_URL")
		}
		return call.EngineFactoryFunc(func(callID string) (transcribe.Engine, error) {
			return transcribe.NewAnalyticsEngine(transcribe.AnalyticsEngineConfig{
				URL:    cfg.AnalyticsURL,
				APIKey: cfg.AnalyticsAPIKey,
				Log:    log,
			}), nil
		}), nil

	case "whisper":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("whisper engine requires OPENAI_API_KEY")
		}
		client := openai.NewClient(cfg.OpenAIAPIKey)
		return call.EngineFactoryFunc(func(callID string) (transcribe.Engine, error) {
			return transcribe.NewSegmentEngine(transcribe.SegmentEngineConfig{
				Client:         client,
				Model:          cfg.WhisperModel,
				VADThreshold:   cfg.VADThreshold,
				SilenceWindows: cfg.VADSilenceWindows,
				MaxInterval:    cfg.MaxUtteranceInterval,
				Log:            log,
			}), nil
		}), nil

	default:
		return nil, fmt.Errorf("unknown transcription engine %q", cfg.Engine)
	}
}

func ProvideCallManager(
	cfg *Config,
	factory call.EngineFactory,
	emitter *events.Emitter,
	recordings *recording.Store,
	store *call.Store,
	redisClient *redis.Client,
	log *slog.Logger,
) *call.Manager {
	mcfg := call.ManagerConfig{
		Engines:         factory,
		Emitter:         emitter,
		Recordings:      recordings,
		Store:           store,
		DrainTimeout:    cfg.DrainTimeout,
		ReconnectWindow: cfg.ReconnectWindow,
		StallTimeout:    cfg.StallTimeout,
		Language:        cfg.Language,
		ArtifactURI:     cfg.ArtifactURI,
		Log:             log,
	}
	if cfg.LiveStreamBaseURL != "" {
		mcfg.Source = media.NewHTTPFragmentSource(cfg.LiveStreamBaseURL, cfg.LiveStreamAPIKey)
		mcfg.Cursors = media.NewRedisCursorStore(redisClient)
	}
	return call.NewManager(mcfg)
}

func ProvideProtocolHandler(auth protocol.Authenticator, manager *call.Manager, log *slog.Logger) *protocol.Handler {
	return protocol.NewHandler(protocol.HandlerConfig{
		Authenticator: auth,
		Binder:        manager,
		Log:           log,
	})
}

var PipelineModule = fx.Options(
	fx.Provide(
		ProvideAuthenticator,
		ProvideEmitter,
		ProvideCallStore,
		ProvideRecordingStore,
		ProvideEngineFactory,
		ProvideCallManager,
		ProvideProtocolHandler,
	),
)

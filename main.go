package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	apis "github.com/antinvestor/apis/go/common"
	profileV1 "github.com/antinvestor/apis/go/profile/v1"
	"github.com/antinvestor/service-escrow/config"
	"github.com/antinvestor/service-escrow/service/business"
	"github.com/antinvestor/service-escrow/service/events"
	"github.com/antinvestor/service-escrow/service/gateway"
	"github.com/antinvestor/service-escrow/service/handlers"
	"github.com/antinvestor/service-escrow/service/repository"
	"github.com/antinvestor/service-escrow/service/router"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/pitabwire/frame"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

const (
	statusTopic = "escrow-status"
	payoutTopic = "escrow-payouts"
)

func main() {
	serviceName := "service_escrow"
	ctx := context.Background()

	// a missing .env is normal outside local development
	_ = godotenv.Load()

	escrowConfig, err := frame.ConfigFromEnv[config.EscrowConfig]()
	if err != nil {
		fmt.Printf("could not load config: %v\n", err)
	}
	ctx, service := frame.NewServiceWithContext(ctx, serviceName, frame.WithConfig(&escrowConfig))
	defer service.Stop(ctx)

	logger := service.Log(ctx).WithField("type", "main")
	logger.Info("starting service...")

	serviceOptions := []frame.Option{frame.WithDatastore()}
	service.Init(ctx, serviceOptions...)

	if escrowConfig.DoDatabaseMigrate() {
		err = service.MigrateDatastore(ctx, escrowConfig.GetDatabaseMigrationPath(), repository.Models()...)
		if err != nil {
			logger.WithError(err).Fatal("could not migrate successfully")
		}
		return
	}

	settings, err := escrowConfig.Settings()
	if err != nil {
		logger.WithError(err).Fatal("invalid escrow settings")
	}

	store := &frameStore{service: service}
	db := store.DB(ctx, false)
	if db == nil {
		logger.Fatal("database connection is nil - check DATABASE_URL and database availability")
	}
	if err = db.AutoMigrate(repository.Models()...); err != nil {
		logger.WithError(err).Fatal("could not auto-migrate escrow tables")
	}

	err = service.RegisterForJwt(ctx)
	if err != nil {
		logger.WithError(err).Fatal("main -- could not register for jwt")
	}

	var parties business.PartyDirectory
	if escrowConfig.VerifyParties {
		parties = business.NewProfileDirectory(newProfileClient(ctx, service, &escrowConfig, logger))
	} else {
		logger.Warn("party verification is off: buyer and seller ids are trusted as given")
	}

	adapter := newGatewayAdapter(&escrowConfig, logger)
	locker := newLocker(ctx, &escrowConfig, logger)

	engine, err := business.NewEngine(business.Dependencies{
		Store:    store,
		Adapter:  adapter,
		Locker:   locker,
		Emitter:  &frameEmitter{service: service},
		Parties:  parties,
		Log:      service.Log(ctx).WithField("component", "escrow"),
		Clock:    time.Now,
		Settings: settings,
	})
	if err != nil {
		logger.WithError(err).Fatal("could not build escrow engine")
	}

	escrowServer := &handlers.EscrowServer{
		Escrow:      engine.Escrow,
		Coordinator: engine.Coordinator,
		Reconciler:  engine.Reconciler,
		Log:         service.Log(ctx).WithField("component", "http"),
	}

	grpcServer := newGRPCServer(&escrowConfig, service, serviceName, logger)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	publisher := &framePublisher{service: service}
	serviceOptions = append(serviceOptions,
		frame.WithHTTPHandler(router.NewRouter(escrowServer, newOperatorMiddleware(&escrowConfig, service, serviceName, logger))),
		frame.WithGRPCServer(grpcServer),
		frame.WithEnableGRPCServerReflection(),
		frame.WithRegisterEvents(
			&events.TransactionStatusNotify{
				Publisher: publisher,
				Topic:     statusTopic,
				Log:       service.Log(ctx).WithField("component", "events"),
			},
			&events.PayoutDispatch{
				Publisher:   publisher,
				Settlements: repository.NewSettlementRepository(store),
				Topic:       payoutTopic,
				Log:         service.Log(ctx).WithField("component", "events"),
			},
		),
		frame.WithRegisterPublisher(statusTopic, publisherURL(logger, statusTopic, escrowConfig.NotificationTopicURL)),
		frame.WithRegisterPublisher(payoutTopic, publisherURL(logger, payoutTopic, escrowConfig.PayoutTopicURL)),
	)

	service.Init(ctx, serviceOptions...)

	go func() {
		if sweepErr := engine.Sweeper.Run(ctx); sweepErr != nil && ctx.Err() == nil {
			logger.WithError(sweepErr).Error("sweeper stopped unexpectedly")
		}
	}()

	logger.WithField("server http port", escrowConfig.HTTPServerPort).
		WithField("server grpc port", escrowConfig.GrpcServerPort).
		WithField("payments enabled", escrowConfig.PaymentsEnabled()).
		Info("Initiating server operations")

	err = service.Run(ctx, ":8081")
	if err != nil {
		logger.WithError(err).Fatal("could not run Server")
	}
}

func newProfileClient(ctx context.Context, service *frame.Service, cfg *config.EscrowConfig, logger *logrus.Entry) *profileV1.ProfileClient {
	oauth2ServiceURL := fmt.Sprintf("%s/oauth2/token", cfg.GetOauth2ServiceURI())

	audienceList := make([]string, 0)
	if cfg.Oauth2ServiceAudience != "" {
		audienceList = strings.Split(cfg.Oauth2ServiceAudience, ",")
	}

	profileCli, err := profileV1.NewProfileClient(ctx,
		apis.WithEndpoint(cfg.ProfileServiceURI),
		apis.WithTokenEndpoint(oauth2ServiceURL),
		apis.WithTokenUsername(service.JwtClientID()),
		apis.WithTokenPassword(cfg.Oauth2ServiceClientSecret),
		apis.WithAudiences(audienceList...))
	if err != nil {
		logger.WithError(err).Fatal("could not setup profile client")
	}
	return profileCli
}

func newGatewayAdapter(cfg *config.EscrowConfig, logger *logrus.Entry) gateway.Adapter {
	if !cfg.PaymentsEnabled() {
		logger.Warn("gateway credentials missing: payments are disabled")
		return gateway.NewDisabled(cfg.WebhookSecret)
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is empty: every callback will be rejected")
	}

	gatewayConfig := cfg.GatewayConfig()
	if cfg.GatewayPrivateKeyPath != "" {
		signer, err := gateway.LoadRequestSigner(cfg.GatewayPrivateKeyPath)
		if err != nil {
			logger.WithError(err).Fatal("could not load gateway request signing key")
		}
		gatewayConfig.Signer = signer
	}
	return gateway.NewMobileMoney(gatewayConfig)
}

func newLocker(ctx context.Context, cfg *config.EscrowConfig, logger *logrus.Entry) business.Locker {
	if cfg.RedisURL == "" {
		logger.Info("using in-process transaction locks, run a single replica")
		return business.NewLocalLocker(cfg.LockTimeout)
	}

	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Fatal("invalid REDIS_URL")
	}
	client := redis.NewClient(options)
	if err = client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("could not reach redis for transaction locks")
	}
	return business.NewRedisLocker(client, cfg.LockTTL, cfg.LockTimeout)
}

// newOperatorMiddleware authenticates operator calls with the service's jwt
// settings and then requires the operator role.
func newOperatorMiddleware(cfg *config.EscrowConfig, service *frame.Service, serviceName string, logger *logrus.Entry) mux.MiddlewareFunc {
	if !cfg.SecurelyRunService {
		logger.Warn("operator routes are open: secure them by setting SECURELY_RUN_SERVICE=True")
		return nil
	}

	jwtAudience := cfg.Oauth2JwtVerifyAudience
	if jwtAudience == "" {
		jwtAudience = serviceName
	}
	requireOperator := handlers.RequireRole(cfg.OperatorRole)
	return func(next http.Handler) http.Handler {
		return service.AuthenticationMiddleware(requireOperator(next), jwtAudience, cfg.Oauth2JwtVerifyIssuer)
	}
}

func newGRPCServer(cfg *config.EscrowConfig, service *frame.Service, serviceName string, logger *logrus.Entry) *grpc.Server {
	recoveryOpt := recovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
		service.Log(ctx).WithField("panic", p).Error("recovered from panic in grpc handler")
		return status.Error(codes.Internal, "internal error")
	})

	unaryInterceptors := []grpc.UnaryServerInterceptor{recovery.UnaryServerInterceptor(recoveryOpt)}
	streamInterceptors := []grpc.StreamServerInterceptor{recovery.StreamServerInterceptor(recoveryOpt)}

	jwtAudience := cfg.Oauth2JwtVerifyAudience
	if jwtAudience == "" {
		jwtAudience = serviceName
	}

	if cfg.SecurelyRunService {
		unaryInterceptors = append(unaryInterceptors, service.UnaryAuthInterceptor(jwtAudience, cfg.Oauth2JwtVerifyIssuer))
		streamInterceptors = append(streamInterceptors, service.StreamAuthInterceptor(jwtAudience, cfg.Oauth2JwtVerifyIssuer))
	} else {
		logger.Warn("Service is running insecurely: secure by setting SECURELY_RUN_SERVICE=True")
	}

	return grpc.NewServer(
		grpc.ChainUnaryInterceptor(unaryInterceptors...),
		grpc.ChainStreamInterceptor(streamInterceptors...),
	)
}

// publisherURL checks that a nats topic URL is reachable and falls back to
// an in-memory topic when it is not.
func publisherURL(logger *logrus.Entry, topic, rawURL string) string {
	if !strings.HasPrefix(rawURL, "nats://") {
		return rawURL
	}

	serverURL := rawURL
	if idx := strings.Index(serverURL, "?"); idx >= 0 {
		serverURL = serverURL[:idx]
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 9)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		nc, connectErr := nats.Connect(serverURL)
		if connectErr != nil {
			logger.WithError(connectErr).WithField("attempt", attempt).WithField("topic", topic).
				Warn("Failed to connect to NATS, retrying after delay")
			return connectErr
		}
		nc.Close()
		return nil
	}, policy)
	if err != nil {
		fallback := "mem://" + topic
		logger.WithField("topic", topic).WithField("fallback", fallback).
			Warn("Failed to connect to NATS after maximum retries - falling back to memory-based pubsub")
		return fallback
	}

	logger.WithField("topic", topic).Info("Successfully connected to NATS server")
	return rawURL
}

// frameStore, frameEmitter and framePublisher narrow *frame.Service to the
// interfaces the escrow packages depend on.
type frameStore struct {
	service *frame.Service
}

func (s *frameStore) DB(ctx context.Context, readOnly bool) *gorm.DB {
	return s.service.DB(ctx, readOnly)
}

type frameEmitter struct {
	service *frame.Service
}

func (e *frameEmitter) Emit(ctx context.Context, name string, payload any) error {
	return e.service.Emit(ctx, name, payload)
}

type framePublisher struct {
	service *frame.Service
}

func (p *framePublisher) Publish(ctx context.Context, name string, payload any) error {
	return p.service.Publish(ctx, name, payload)
}

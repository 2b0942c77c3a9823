package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/veilchat/core/internal/chat"
	"github.com/veilchat/core/internal/config"
	"github.com/veilchat/core/internal/engine"
	"github.com/veilchat/core/internal/messaging"
	"github.com/veilchat/core/internal/metrics"
	"github.com/veilchat/core/internal/moderation"
	"github.com/veilchat/core/internal/ratelimit"
	"github.com/veilchat/core/internal/storage"
	"github.com/veilchat/core/internal/user"
)

// natsNotifier adapts the NATS client to the engine's event push.
type natsNotifier struct {
	client *messaging.NATSClient
}

func (n natsNotifier) NotifyEvent(ctx context.Context, userID string, data []byte) error {
	return n.client.PublishEvent(userID, data)
}

func main() {
	log.Println("Starting veilchat core...")

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Redis setup (rate limiting).
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup (delivery and inbound actions).
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NatsURL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Postgres audit mirror, optional.
	var store storage.Storage
	if cfg.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = storage.OpenPostgres(ctx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
	} else {
		log.Println("POSTGRES_DSN not set, running without the audit mirror")
	}

	core := engine.New(engine.Options{
		Store:            store,
		Delivery:         messaging.NewNATSDelivery(natsClient),
		Notifier:         natsNotifier{client: natsClient},
		Limiter:          ratelimit.NewLimiter(rdb),
		Policy:           moderation.NewFilter(),
		ReportThreshold:  cfg.ReportThreshold,
		BanDuration:      cfg.BanDuration,
		QueueEntryTTL:    cfg.QueueEntryTTL,
		SessionRetention: cfg.SessionRetention,
		GatedCategories:  cfg.GatedCategories,
	})

	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := core.RestoreUsers(ctx)
		cancel()
		if err != nil {
			log.Fatalf("failed to restore users: %v", err)
		}
		log.Printf("restored %d user profiles", n)
	}

	core.Start()

	if err := subscribeActions(natsClient, core); err != nil {
		log.Fatalf("failed to subscribe to actions: %v", err)
	}

	// Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	log.Printf("veilchat core running")
	log.Printf("  redis_addr:   %s", cfg.RedisAddr)
	log.Printf("  nats_url:     %s", cfg.NatsURL)
	log.Printf("  metrics_addr: %s", cfg.MetricsAddr)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	metricsServer.Shutdown(shutdownCtx)
	cancelShutdown()

	core.Shutdown()
	natsClient.Close()
	rdb.Close()
	if store != nil {
		store.Close()
	}
}

// subscribeActions wires every inbound action subject to its engine
// operation. Handlers run on NATS callback goroutines; the engine is safe
// for concurrent use. Per-user errors are logged and dropped: the sender
// learns about rejections through lifecycle events, not replies.
func subscribeActions(nc *messaging.NATSClient, core *engine.Engine) error {
	ctx := context.Background()

	if err := nc.SubscribeAction(messaging.SubjectActionRegister, func(data []byte) {
		var req messaging.RegisterAction
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[actions] bad register payload: %v", err)
			return
		}
		if req.Gender == "" {
			core.Register(ctx, req.UserID)
			return
		}
		if err := core.CompleteRegistration(ctx, req.UserID, user.ParseGender(req.Gender)); err != nil {
			log.Printf("[actions] register user=%s: %v", req.UserID, err)
		}
	}); err != nil {
		return err
	}

	if err := nc.SubscribeAction(messaging.SubjectActionSearch, func(data []byte) {
		var req messaging.SearchAction
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[actions] bad search payload: %v", err)
			return
		}
		var err error
		if req.Next {
			_, err = core.Next(ctx, req.UserID, req.Category, user.ParseGender(req.Filter))
		} else {
			_, err = core.Search(ctx, req.UserID, req.Category, user.ParseGender(req.Filter))
		}
		if err != nil {
			log.Printf("[actions] search user=%s: %v", req.UserID, err)
		}
	}); err != nil {
		return err
	}

	if err := nc.SubscribeAction(messaging.SubjectActionCancel, func(data []byte) {
		var req messaging.CancelAction
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[actions] bad cancel payload: %v", err)
			return
		}
		if _, err := core.CancelSearch(ctx, req.UserID); err != nil {
			log.Printf("[actions] cancel user=%s: %v", req.UserID, err)
		}
	}); err != nil {
		return err
	}

	if err := nc.SubscribeAction(messaging.SubjectActionMessage, func(data []byte) {
		var req messaging.MessageAction
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[actions] bad message payload: %v", err)
			return
		}
		if _, err := core.Message(ctx, req.UserID, req.Payload); err != nil {
			log.Printf("[actions] message user=%s: %v", req.UserID, err)
		}
	}); err != nil {
		return err
	}

	if err := nc.SubscribeAction(messaging.SubjectActionStop, func(data []byte) {
		var req messaging.StopAction
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[actions] bad stop payload: %v", err)
			return
		}
		if _, err := core.Stop(ctx, req.UserID); err != nil {
			log.Printf("[actions] stop user=%s: %v", req.UserID, err)
		}
	}); err != nil {
		return err
	}

	if err := nc.SubscribeAction(messaging.SubjectActionReport, func(data []byte) {
		var req messaging.ReportAction
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[actions] bad report payload: %v", err)
			return
		}
		if _, err := core.Report(ctx, req.UserID, req.SessionID, req.Reason); err != nil {
			log.Printf("[actions] report user=%s: %v", req.UserID, err)
		}
	}); err != nil {
		return err
	}

	return nc.SubscribeAction(messaging.SubjectActionVote, func(data []byte) {
		var req messaging.VoteAction
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[actions] bad vote payload: %v", err)
			return
		}
		var err error
		if req.Skip {
			err = core.SkipVote(ctx, req.UserID)
		} else {
			v := chat.VoteUp
			if req.Vote == "down" {
				v = chat.VoteDown
			}
			err = core.Vote(ctx, req.UserID, req.SessionID, v)
		}
		if err != nil {
			log.Printf("[actions] vote user=%s: %v", req.UserID, err)
		}
	})
}

package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"

	"github.com/campusly/presence/internal/channel"
	"github.com/campusly/presence/internal/gateway"
	"github.com/campusly/presence/internal/messaging"
	"github.com/campusly/presence/internal/ratelimit"
	"github.com/campusly/presence/internal/session"
	"github.com/campusly/presence/internal/typing"
	"github.com/campusly/presence/internal/ws"
)

// Transport names accepted in TRANSPORT.
const (
	transportMemory      = "memory"
	transportNATS        = "nats"
	transportRedis       = "redis"
	transportRedisStream = "redisstream"
)

func envDuration(name string, into *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*into = d
		} else {
			log.Printf("ignoring %s=%q: not a positive duration", name, v)
		}
	}
}

func envInt(name string, into *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*into = n
		} else {
			log.Printf("ignoring %s=%q: not a positive integer", name, v)
		}
	}
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	envInt("WORKER_POOL_SIZE", &config.WorkerPoolSize)
	envInt("MAX_CONNECTIONS", &config.MaxConnections)
	envInt("MAX_FRAME_SIZE", &config.MaxFrameSize)
	envDuration("READ_TIMEOUT", &config.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.WriteTimeout)

	typingConfig := typing.DefaultConfig()
	envDuration("TYPING_EXPIRY", &typingConfig.ExpiryWindow)
	envDuration("TYPING_THROTTLE", &typingConfig.ThrottleInterval)
	envDuration("TYPING_SWEEP", &typingConfig.SweepInterval)

	transportName := transportMemory
	if v := os.Getenv("TRANSPORT"); v != "" {
		transportName = v
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "typingd-1"
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.Name = "typingd-" + serverName
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}

	// --- Redis ---
	// Sessions and rate limits live in Redis. The in-process and NATS
	// transports run without it unless REDIS_ADDR is given.
	redisAddr := os.Getenv("REDIS_ADDR")
	needRedis := transportName == transportRedis || transportName == transportRedisStream
	if redisAddr == "" && needRedis {
		redisAddr = "localhost:6379"
	}

	var (
		sessionStore *session.Store
		limiter      *ratelimit.Limiter
		rdb          *redis.Client
	)
	if redisAddr != "" {
		var err error
		sessionStore, err = session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		rdb = sessionStore.Client()
		limiter = ratelimit.NewLimiter(rdb)
	}

	// --- Transport ---
	wmLogger := watermill.NewStdLogger(false, false)
	var (
		transport  channel.Transport
		natsClient *messaging.NATSClient
	)
	switch transportName {
	case transportMemory:
		transport = channel.NewInProcess(wmLogger)
	case transportNATS:
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		transport = channel.NewNATS(natsClient)
	case transportRedis:
		transport = channel.NewRedis(rdb)
	case transportRedisStream:
		t, err := channel.NewRedisStream(rdb, wmLogger)
		if err != nil {
			log.Fatalf("failed to start redis stream transport: %v", err)
		}
		transport = t
	default:
		log.Fatalf("unknown TRANSPORT %q (want memory, nats, redis or redisstream)", transportName)
	}

	log.Printf("typingd starting")
	log.Printf("  listen_addr:      %s", config.ListenAddr)
	log.Printf("  worker_pool:      %d", config.WorkerPoolSize)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  max_frame_size:   %d", config.MaxFrameSize)
	log.Printf("  read_timeout:     %s", config.ReadTimeout)
	log.Printf("  write_timeout:    %s", config.WriteTimeout)
	log.Printf("  transport:        %s", transportName)
	if natsClient != nil {
		log.Printf("  nats_url:         %s", natsConfig.URL)
	}
	log.Printf("  redis_addr:       %s", redisAddr)
	log.Printf("  server_name:      %s", serverName)
	log.Printf("  typing_expiry:    %s", typingConfig.ExpiryWindow)
	log.Printf("  typing_throttle:  %s", typingConfig.ThrottleInterval)
	log.Printf("  typing_sweep:     %s", typingConfig.SweepInterval)

	gw := gateway.New(transport, typingConfig, sessionStore, limiter)
	server := ws.NewServer(config, sessionStore, gw.Dispatcher().Dispatch)
	gw.Bind(server)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		// Closing connections runs the disconnect path, which releases every
		// typing context before the transport goes away.
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := gw.Close(); err != nil {
			log.Printf("gateway close error: %v", err)
		}
		if err := transport.Close(); err != nil {
			log.Printf("transport close error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/colmate/chat-app/internal/archive"
	"github.com/colmate/chat-app/internal/auth"
	"github.com/colmate/chat-app/internal/config"
	"github.com/colmate/chat-app/internal/gateway"
	"github.com/colmate/chat-app/internal/messaging"
	"github.com/colmate/chat-app/internal/metrics"
	"github.com/colmate/chat-app/internal/profile"
	"github.com/colmate/chat-app/internal/protocol"
	"github.com/colmate/chat-app/internal/ratelimit"
	"github.com/colmate/chat-app/internal/session"
	"github.com/colmate/chat-app/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- NATS ---
	natsConfig := cfg.NATS("colmate-ws-" + cfg.ServerName)
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	rdb, err := session.Connect(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	sessionStore := session.NewStore(rdb, cfg.ServerName)
	limiter := ratelimit.NewLimiter(rdb)

	verifier := auth.NewVerifier(cfg.JWTSecret)

	log.Printf("colmate WebSocket server starting")
	log.Printf("  listen_addr:      %s", cfg.ListenAddr)
	log.Printf("  worker_pool:      %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections:  %d", cfg.MaxConnections)
	log.Printf("  read_timeout:     %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:    %s", cfg.WriteTimeout)
	log.Printf("  nats_url:         %s", natsConfig.URL)
	log.Printf("  redis_addr:       %s", cfg.RedisAddr)
	log.Printf("  server_name:      %s", cfg.ServerName)
	log.Printf("  auth:             %v", verifier.Enabled())
	log.Printf("  anonymous_send:   %v", cfg.AllowAnonymousSend)
	log.Printf("  connect_limit:    %d/min", cfg.ConnectLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := archive.NewPublisher(natsClient, cfg.ArchiveBuffer)
	go publisher.Run(ctx)

	// Declare server early so the gateway notifier can capture it.
	var server *ws.Server

	gw := gateway.New(cfg.Gateway(),
		gateway.NotifierFunc(func(connID string, data []byte) error {
			return server.SendMessage(connID, data)
		}),
		gateway.WithArchiver(publisher),
		gateway.WithRoomEvents(publisher),
		gateway.WithPresence(sessionStore),
	)
	gatewayDone := make(chan struct{})
	go func() {
		defer close(gatewayDone)
		gw.Run(ctx)
	}()

	dispatcher := ws.NewMessageDispatcher()
	dispatcher.SetRateLimiter(ratelimit.NewPolicy(limiter, map[string]ratelimit.Rule{
		protocol.TypeSendMessage: ratelimit.RuleSend,
		protocol.TypeJoinQueue:   ratelimit.RuleJoin,
	}))

	// -----------------------------------------------------------------------
	// join_queue: enter the waiting queue
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinQueue, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinQueueMsg)
		if !ok {
			return
		}
		p := profile.Profile{
			Affiliation: joinMsg.Profile.Affiliation,
			Interests:   joinMsg.Profile.Interests,
		}
		if err := gw.JoinQueue(conn.ID, p); err != nil {
			log.Printf("[join_queue] conn=%s rejected: %v", conn.ID, err)
			gw.Reject(conn.ID, err)
		}
	})

	// -----------------------------------------------------------------------
	// leave_queue: stop waiting for a match
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveQueue, func(conn *ws.Connection, msg interface{}) {
		if err := gw.LeaveQueue(conn.ID); err != nil {
			log.Printf("[leave_queue] conn=%s: %v", conn.ID, err)
			gw.Reject(conn.ID, err)
		}
	})

	// -----------------------------------------------------------------------
	// send_message: route a chat message into the sender's room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		if _, err := gw.SendMessage(conn.ID, sendMsg.RoomID, sendMsg.Content); err != nil {
			log.Printf("[send_message] conn=%s room=%s rejected: %v", conn.ID, sendMsg.RoomID, err)
			gw.Reject(conn.ID, err)
		}
	})

	// -----------------------------------------------------------------------
	// leave_room: end the current room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveRoom, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.LeaveRoomMsg)
		if !ok {
			return
		}
		if err := gw.LeaveRoom(conn.ID, leaveMsg.RoomID); err != nil {
			log.Printf("[leave_room] conn=%s room=%s rejected: %v", conn.ID, leaveMsg.RoomID, err)
			gw.Reject(conn.ID, err)
		}
	})

	server = ws.NewServer(cfg.Server(), dispatcher.Dispatch)
	server.SetIdentify(verifier.Identify)
	if rule, ok := cfg.ConnectRule(); ok {
		server.SetAdmit(limiter.AdmitFunc(rule))
	}

	// The gateway knows the connection before its first frame is read.
	server.SetOnConnect(func(conn *ws.Connection) error {
		return gw.Connect(conn.ID, conn.UserID)
	})

	// Disconnect releases the queue entry or room and tells the peer.
	server.SetOnDisconnect(func(connID string) {
		if err := gw.Disconnect(connID); err != nil {
			log.Printf("[disconnect] conn=%s: %v", connID, err)
		}
	})

	router := server.Router()
	router.GET("/stats", func(c *gin.Context) {
		stats, err := gw.Stats()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.POST("/auth/anonymous", verifier.HandleAnonymous)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		// Close sockets first so every disconnect reaches the gateway and
		// the archive, then stop the loops and drain NATS.
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		cancel()
		<-gatewayDone
		select {
		case <-publisher.Done():
		case <-shutdownCtx.Done():
			log.Printf("archive flush timed out")
		}
		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

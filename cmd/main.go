// Command meristemd is the Core's process entrypoint: it wires every
// subsystem into one running service, exposes the narrow
// HTTP/WebSocket surface, and tears the dependency graph down LIFO
// on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/meristem/core/internal/apperr"
	"github.com/meristem/core/internal/audit"
	"github.com/meristem/core/internal/auth"
	"github.com/meristem/core/internal/bus"
	"github.com/meristem/core/internal/config"
	"github.com/meristem/core/internal/fleet"
	"github.com/meristem/core/internal/logging"
	"github.com/meristem/core/internal/metrics"
	"github.com/meristem/core/internal/middleware"
	"github.com/meristem/core/internal/netmode"
	"github.com/meristem/core/internal/plugin/health"
	"github.com/meristem/core/internal/plugin/isolate"
	"github.com/meristem/core/internal/plugin/lifecycle"
	"github.com/meristem/core/internal/plugin/manifest"
	"github.com/meristem/core/internal/store"
	"github.com/meristem/core/internal/store/pgstore"
	"github.com/meristem/core/internal/tasks"
	"github.com/meristem/core/internal/timers"
	"github.com/meristem/core/internal/trace"
	"github.com/meristem/core/internal/wsfanout"
)

const shutdownTimeout = 30 * time.Second

func main() {
	switch cliCommand() {
	case "serve", "start", "":
		runServe()
	case "-Sy", "-Ss", "-S", "-Su", "-Syu", "-Q", "-Qk":
		runPacman(os.Args[1:])
	default:
		fmt.Fprintf(os.Stderr, "meristemd: unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func cliCommand() string {
	if len(os.Args) < 2 {
		return ""
	}
	return os.Args[1]
}

func runServe() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meristemd: config: %v\n", err)
		os.Exit(2)
	}

	logging.Initialize(firstNonEmpty(os.Getenv("MERISTEM_LOG_LEVEL"), "info"), os.Getenv("GIN_MODE") != "release")
	log := logging.Component("main")
	bus.SetLogger(logging.Component("bus"))

	st, err := pgstore.Open(pgstore.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	busConn, err := bus.Connect(bus.Config{URL: cfg.NATS.URL, Token: cfg.NATS.Token, Name: "meristem-core"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect bus")
	}
	if err := busConn.EnsureLogStream(bus.StreamConfig{
		Replicas: cfg.NATS.StreamReplicas,
		MaxBytes: cfg.NATS.StreamMaxBytes,
	}); err != nil {
		log.Error().Err(err).Msg("failed to provision log stream")
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	logTransport := logging.NewTransport(logging.TransportConfig{}, busConn)
	logging.SetTransport(logTransport)
	transportCtx, cancelTransport := context.WithCancel(rootCtx)
	go logTransport.Run(transportCtx)

	hub := wsfanout.NewHub()
	hub.DeclareChannels([]string{"sys.network.mode"})
	go hub.Run()

	cronRunner := cron.New()
	cronRunner.Start()

	backlog := audit.NewLocalCounter()
	pipeline := audit.New(audit.Config{
		PartitionCount:   16,
		BatchSize:        50,
		BacklogHardLimit: 5000,
		LeaseDuration:    30 * time.Second,
		MaxRetryAttempts: 5,
		HMACSecret:       cfg.Audit.HMACSecret,
		HMACKeyID:        cfg.Audit.HMACKeyID,
		AnchorInterval:   5 * time.Minute,
		NodeID:           "meristem-core",
	}, st, backlog)
	pipeline.Start(rootCtx, 2*time.Second)

	anchorJob := audit.NewAnchorJob(st, 16)
	auditTimers := timers.NewGroup(cronRunner, "audit")
	if err := anchorJob.Register(auditTimers, 5*time.Minute); err != nil {
		log.Error().Err(err).Msg("failed to register anchor job")
	}

	jwtManager := auth.NewJWTManager(cfg.Security.JWTSignSecret, cfg.Security.JWTVerifySecrets, "meristem-core", 24*time.Hour)
	authSvc := auth.NewService(st, jwtManager, os.Getenv("MERISTEM_BOOTSTRAP_TOTP_SECRET"))
	taskSvc := tasks.NewService(st, pipeline)

	broker := isolate.NewBroker()
	registerHostCapabilities(broker, busConn, pipeline, st)

	healthMon := health.NewMonitor(health.Config{
		PingInterval:           10 * time.Second,
		PongTimeout:            5 * time.Second,
		MaxConsecutiveFailures: 2,
		MemoryThresholdBytes:   256 << 20,
	})
	go healthMon.Run(rootCtx)

	registry := lifecycle.NewRegistry()
	pluginRT := &lifecycle.Runtime{
		Bus:                  busConn,
		Broker:               broker,
		PersistConfigVersion: st.SavePluginConfigVersion,
		StartHealth:          healthMon.Watch,
		StopHealth:           healthMon.Unwatch,
	}
	restart := superviseRestarts(rootCtx, registry, log)
	healthMon.OnUnresponsive = restart
	healthMon.OnMemoryExceeded = restart

	loadPlugins(rootCtx, cfg.Plugins.BasePath, registry, pluginRT, hub, log)

	fleetMonitor := fleet.NewMonitor(busConn, st, 90*time.Second)
	if err := fleetMonitor.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start fleet monitor")
	}
	fleetTimers := timers.NewGroup(cronRunner, "fleet")
	if err := fleetMonitor.RegisterOfflineReclaim(fleetTimers, 30*time.Second); err != nil {
		log.Error().Err(err).Msg("failed to register offline reclaim sweep")
	}

	netmodeMgr := netmode.New(netmode.Config{PollInterval: 5 * time.Second, FallbackToDirect: true},
		netmode.ProvidersFromRegistry(registry, healthMon),
		busConn, hub)
	netmodeCtx, cancelNetmode := context.WithCancel(rootCtx)
	go netmodeMgr.Run(netmodeCtx)

	router := newRouter(jwtManager, authSvc, taskSvc, hub)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", firstNonEmpty(os.Getenv("MERISTEM_HTTP_PORT"), "8080")),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("meristemd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced shutdown")
	}

	// LIFO teardown: the heartbeat/pulse monitor first, then the
	// network-mode manager, then plugin health and lifecycle, then
	// the audit pipeline (flush, then clear its timers), then the log
	// transport, then the bus, then the store. Each step is awaited
	// and logged; a failing step never aborts the rest.
	fleetMonitor.Stop()
	fleetTimers.RemoveAll()
	log.Info().Msg("heartbeat monitor stopped")
	cancelNetmode()
	log.Info().Msg("network-mode manager stopped")
	healthMon.Stop()
	for _, p := range registry.List() {
		if err := p.Stop(shutdownCtx, 5*time.Second); err != nil {
			log.Error().Err(err).Str("plugin_id", p.Manifest.ID).Msg("plugin stop failed")
		}
	}
	if err := pipeline.Drain(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final audit drain failed")
	}
	auditTimers.RemoveAll()
	cronRunner.Stop()
	log.Info().Msg("audit pipeline stopped")
	cancelTransport()
	logTransport.Flush()
	busConn.Close()
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("store close failed")
	}
	log.Info().Msg("meristemd stopped")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// registerHostCapabilities wires the capability table every isolate
// dispatches through. Each capability names the manifest permission a
// plugin must declare to call it.
func registerHostCapabilities(broker *isolate.Broker, busConn *bus.Conn, pipeline *audit.Pipeline, st store.Store) {
	broker.RegisterCapability("bus.publish", "nats:pub", func(ctx context.Context, pluginID string, params map[string]any) (any, error) {
		subject, _ := params["subject"].(string)
		data, _ := params["data"].(string)
		if subject == "" {
			return nil, fmt.Errorf("subject is required")
		}
		if err := busConn.Publish(subject, []byte(data)); err != nil {
			return nil, err
		}
		return map[string]any{"published": true}, nil
	})

	broker.RegisterCapability("audit.record", "sys:audit", func(ctx context.Context, pluginID string, params map[string]any) (any, error) {
		content, _ := params["content"].(string)
		tx, err := st.BeginTx(ctx)
		if err != nil {
			return nil, err
		}
		outcome, err := pipeline.RecordAuditEvent(ctx, tx, audit.EventInput{
			TS:      time.Now().UTC(),
			Level:   "INFO",
			NodeID:  "meristem-core",
			Source:  "plugin." + pluginID,
			TraceID: trace.New("", "meristem-core", "plugin."+pluginID).TraceID,
			Content: content,
			Meta:    map[string]any{"plugin_id": pluginID},
		})
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return map[string]any{"queued": outcome.Queued}, nil
	})

	broker.RegisterCapability("node.get", "node:read", func(ctx context.Context, pluginID string, params map[string]any) (any, error) {
		nodeID, _ := params["node_id"].(string)
		n, err := st.GetNode(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"node_id": n.NodeID, "status": n.Status}, nil
	})
}

// superviseRestarts returns the health-hook handler: stop the failed
// plugin and bring it back through init/start. A supervisor action,
// not a lifecycle transition.
func superviseRestarts(ctx context.Context, registry *lifecycle.Registry, log *zerolog.Logger) func(pluginID string) {
	return func(pluginID string) {
		p, ok := registry.Get(pluginID)
		if !ok {
			return
		}
		log.Warn().Str("plugin_id", pluginID).Msg("health monitor requested restart")
		metrics.PluginRestartsTotal.WithLabelValues(pluginID).Inc()
		go func() {
			if err := p.Stop(ctx, 5*time.Second); err != nil {
				log.Error().Err(err).Str("plugin_id", pluginID).Msg("supervised stop failed")
				return
			}
			fresh := lifecycle.Clone(p)
			registry.Add(fresh)
			if err := fresh.Init(ctx); err != nil {
				log.Error().Err(err).Str("plugin_id", pluginID).Msg("supervised init failed")
				return
			}
			if err := fresh.Start(ctx); err != nil {
				log.Error().Err(err).Str("plugin_id", pluginID).Msg("supervised start failed")
			}
		}()
	}
}

// loadPlugins validates and topologically sorts every manifest under
// base, then brings each plugin up in order. An unreadable base
// directory is treated as "no plugins configured" rather than fatal,
// since the Core may run with zero plugins installed.
func loadPlugins(ctx context.Context, base string, registry *lifecycle.Registry, rt *lifecycle.Runtime, hub *wsfanout.Hub, log *zerolog.Logger) {
	if base == "" {
		return
	}
	discovered, err := manifest.LoadDir(base)
	if err != nil {
		log.Error().Err(err).Msg("plugin manifest load failed")
		return
	}
	byDir := make(map[string]string, len(discovered))
	manifests := make(map[string]manifest.Manifest, len(discovered))
	for _, d := range discovered {
		byDir[d.Manifest.ID] = d.Dir
		manifests[d.Manifest.ID] = d.Manifest
	}
	ordered, err := manifest.TopoSort(manifests)
	if err != nil {
		log.Error().Err(err).Msg("plugin dependency resolution failed")
		return
	}
	running := 0
	for _, m := range ordered {
		hub.DeclareChannels(m.UIContract.Channels)
		p := lifecycle.New(m, byDir[m.ID]+"/"+m.Entry, rt)
		registry.Add(p)
		if err := p.Init(ctx); err != nil {
			log.Error().Err(err).Str("plugin_id", m.ID).Msg("plugin init failed")
			continue
		}
		if err := p.Start(ctx); err != nil {
			log.Error().Err(err).Str("plugin_id", m.ID).Msg("plugin start failed")
			continue
		}
		running++
	}
	metrics.PluginsRunning.Set(float64(running))
}

func newRouter(jwtManager *auth.JWTManager, authSvc *auth.Service, taskSvc *tasks.Service, hub *wsfanout.Hub) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(gin.Recovery())
	router.Use(middleware.AccessLog())
	router.Use(middleware.Deadline(30 * time.Second))
	router.Use(middleware.Harden())
	router.Use(middleware.RateLimit(50, 100))
	router.Use(middleware.BodyLimit(10 << 20))
	router.Use(middleware.RejectTaintedInput())

	router.POST("/v1/bootstrap", handleBootstrap(authSvc))
	router.POST("/v1/login", handleLogin(authSvc))
	router.GET("/v1/ws", handleWebSocket(jwtManager, hub))

	authed := router.Group("/v1")
	authed.Use(auth.RequireAuth(jwtManager))
	authed.POST("/tasks", handleCreateTask(taskSvc))
	authed.GET("/tasks", handleListTasks(taskSvc))
	authed.GET("/metrics", auth.RequireSuperadminMiddleware(), gin.WrapH(metrics.Handler()))

	return router
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func handleBootstrap(authSvc *auth.Service) gin.HandlerFunc {
	type req struct {
		BootstrapToken string `json:"bootstrap_token" binding:"required"`
		Username       string `json:"username" binding:"required"`
		Password       string `json:"password" binding:"required"`
	}
	return func(c *gin.Context) {
		var body req
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "INVALID_REQUEST"})
			return
		}
		user, err := authSvc.Bootstrap(c.Request.Context(), auth.BootstrapInput{
			BootstrapToken: body.BootstrapToken,
			Username:       body.Username,
			Password:       body.Password,
		})
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"username": user.Username}})
	}
}

func handleLogin(authSvc *auth.Service) gin.HandlerFunc {
	type req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	return func(c *gin.Context) {
		var body req
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "INVALID_REQUEST"})
			return
		}
		token, err := authSvc.Login(c.Request.Context(), body.Username, body.Password)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"access_token": token}})
	}
}

func handleCreateTask(taskSvc *tasks.Service) gin.HandlerFunc {
	type req struct {
		TargetNodeID string         `json:"target_node_id" binding:"required"`
		Type         string         `json:"type" binding:"required"`
		Availability string         `json:"availability"`
		Payload      map[string]any `json:"payload"`
		CallDepth    int            `json:"call_depth"`
	}
	return func(c *gin.Context) {
		var body req
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "INVALID_REQUEST"})
			return
		}
		claims, _ := auth.ClaimsFromContext(c)
		tctx := trace.New(middleware.GetRequestID(c), body.TargetNodeID, "api.tasks.create")
		task, err := taskSvc.Create(c.Request.Context(), tctx, tasks.CreateInput{
			OwnerID:      claims.UserID,
			OrgID:        claims.OrgID,
			TargetNodeID: body.TargetNodeID,
			Type:         body.Type,
			Availability: body.Availability,
			Payload:      body.Payload,
			CallDepth:    body.CallDepth,
		})
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "data": task})
	}
}

func handleListTasks(taskSvc *tasks.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := auth.ClaimsFromContext(c)
		limit, _ := strconv.Atoi(c.Query("limit"))
		result, err := taskSvc.List(c.Request.Context(), tasks.ListInput{
			OrgID:        claims.OrgID,
			IsSuperadmin: claims.Superadmin,
			Limit:        limit,
			Cursor:       c.Query("cursor"),
		})
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": result.Tasks, "next_cursor": result.NextCursor})
	}
}

// handleWebSocket upgrades the connection, then validates the bearer
// token supplied as the token query parameter or the subprotocol.
// A missing token answers AUTH_REQUIRED, an invalid one AUTH_INVALID;
// both close the socket. Accepted connections get the CONNECTED ack
// from the fanout hub.
func handleWebSocket(jwtManager *auth.JWTManager, hub *wsfanout.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = c.Request.Header.Get("Sec-WebSocket-Protocol")
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		if token == "" {
			_ = conn.WriteJSON(wsfanout.Frame{Type: "ERROR", Code: wsfanout.CodeAuthRequired})
			conn.Close()
			return
		}
		wsAuth, err := jwtManager.AuthenticateWs(token)
		if err != nil {
			_ = conn.WriteJSON(wsfanout.Frame{Type: "ERROR", Code: wsfanout.CodeAuthInvalid})
			conn.Close()
			return
		}

		wsConn := wsfanout.NewConnection(hub, conn, wsfanout.AuthContext{
			Subject:       wsAuth.Subject,
			Permissions:   wsAuth.Permissions,
			TraceID:       wsAuth.TraceID,
			AllowedTopics: wsAuth.AllowedTopics,
		})
		wsConn.Serve()
	}
}

// respondDomainError writes err's ToResponse() envelope, falling back
// to a bare INTERNAL_ERROR for anything not already a *apperr.DomainError.
func respondDomainError(c *gin.Context, err error) {
	de, ok := err.(*apperr.DomainError)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": apperr.InternalError})
		return
	}
	resp := de.ToResponse()
	if de.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(de.RetryAfterSeconds))
	}
	c.JSON(de.StatusCode, resp)
}

// Package gateway is the HTTP surface of the clearing layer: intent
// submission, plan and proof lookups, health, audit export and the operator
// controls.
package gateway

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/terminal-bench/clearnet/internal/chain"
	"github.com/terminal-bench/clearnet/internal/intent"
	"github.com/terminal-bench/clearnet/internal/session"
	"github.com/terminal-bench/clearnet/internal/solvency"
	"github.com/terminal-bench/clearnet/internal/store"
	"github.com/terminal-bench/clearnet/pkg/merkle"
	"github.com/terminal-bench/clearnet/pkg/messaging"
)

// Config holds gateway configuration.
type Config struct {
	Port            string
	JWTSecret       string
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Gateway serves the clearing API.
type Gateway struct {
	router      *gin.Engine
	cfg         Config
	authority   *session.Authority
	store       store.Store
	policies    store.PolicyStore
	flags       chain.FlagStore
	monitors    map[chain.ID]*chain.Monitor
	watchtower  *solvency.Watchtower
	switcher    *chain.Switcher
	acc         *merkle.Accumulator
	msgClient   *messaging.Client
	rateLimiter *RateLimiter

	lookups singleflight.Group

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*WSClient
}

// RateLimiter implements a per-key sliding window limit.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// Allow checks if a request is allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := make([]time.Time, 0)
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}

// NewGateway creates the gateway and wires its routes.
func NewGateway(cfg Config, authority *session.Authority, st store.Store, policies store.PolicyStore, flags chain.FlagStore, monitors map[chain.ID]*chain.Monitor, wt *solvency.Watchtower, switcher *chain.Switcher, acc *merkle.Accumulator, msgClient *messaging.Client) *Gateway {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	g := &Gateway{
		router:     gin.Default(),
		cfg:        cfg,
		authority:  authority,
		store:      st,
		policies:   policies,
		flags:      flags,
		monitors:   monitors,
		watchtower: wt,
		switcher:   switcher,
		acc:        acc,
		msgClient:  msgClient,
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
		wsClients: make(map[uuid.UUID]*WSClient),
	}
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/intents", g.submitIntent)
		v1.GET("/plans/:batch_id", g.getPlan)
		v1.GET("/proofs/:record_id", g.getProof)
		v1.GET("/health", g.systemHealth)
		v1.GET("/ws", g.handleWebSocket)

		admin := v1.Group("/admin", g.operatorMiddleware())
		{
			admin.GET("/registry/executions", g.exportExecutions)
			admin.GET("/registry/volume/:session_key", g.sessionVolume)
			admin.POST("/policies", g.putPolicy)
			admin.POST("/solvency/clear", g.clearSolvency)
			admin.POST("/switchover", g.switchover)
			admin.POST("/intake/pause", g.pauseIntake)
			admin.POST("/intake/resume", g.resumeIntake)
		}
	}
}

// Start runs the HTTP server.
func (g *Gateway) Start() error {
	if err := g.startOpsFeed(); err != nil {
		return err
	}
	return g.router.Run(":" + g.cfg.Port)
}

// Router exposes the underlying router for tests.
func (g *Gateway) Router() *gin.Engine {
	return g.router
}

// Middleware

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (g *Gateway) submitIntent(c *gin.Context) {
	var it intent.TradeIntent
	if err := c.ShouldBindJSON(&it); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "reason": intent.ReasonMalformed})
		return
	}

	ctx := c.Request.Context()
	active, err := g.flags.ActiveChain(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "active chain unavailable"})
		return
	}

	decision, err := g.authority.Authorize(ctx, &it)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authorization failed"})
		return
	}

	g.publishIntentEvent(c, &it, decision)

	if !decision.Accepted {
		c.JSON(rejectionStatus(decision.Reason), gin.H{"accepted": false, "reason": decision.Reason})
		return
	}

	if err := g.store.EnqueueIntent(ctx, string(active), &it); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue intent"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "intent_id": it.ID})
}

func rejectionStatus(reason intent.Reason) int {
	switch reason {
	case intent.ReasonMalformed, intent.ReasonBadSignature:
		return http.StatusBadRequest
	case intent.ReasonPolicyMissing, intent.ReasonPolicyExpired:
		return http.StatusUnauthorized
	case intent.ReasonKindNotAllowed, intent.ReasonVolumeExceeded:
		return http.StatusForbidden
	case intent.ReasonNonceUsed:
		return http.StatusConflict
	case intent.ReasonIntakePaused:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (g *Gateway) publishIntentEvent(c *gin.Context, it *intent.TradeIntent, decision session.Decision) {
	if g.msgClient == nil {
		return
	}
	subject := messaging.EventTypeIntentAccepted
	if !decision.Accepted {
		subject = messaging.EventTypeIntentRejected
	}
	g.msgClient.Publish(c.Request.Context(), subject, messaging.IntentEvent{
		IntentID:   it.ID,
		SessionKey: it.SessionKey,
		From:       it.From,
		To:         it.To,
		Kind:       string(it.Kind),
		Amount:     it.AmountUnits,
		Accepted:   decision.Accepted,
		Reason:     string(decision.Reason),
		Timestamp:  time.Now(),
	})
}

func (g *Gateway) getPlan(c *gin.Context) {
	batchID, err := strconv.ParseUint(c.Param("batch_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return
	}

	// concurrent lookups of the same hot plan collapse to one store read
	plan, err, _ := g.lookups.Do("plan:"+c.Param("batch_id"), func() (interface{}, error) {
		return g.store.GetPlan(c.Request.Context(), batchID)
	})
	if err == store.ErrPlanNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load plan"})
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (g *Gateway) getProof(c *gin.Context) {
	recordID, err := strconv.ParseUint(c.Param("record_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}

	key := "proof:" + c.Param("record_id") + ":" + c.Query("batch_id")
	result, err, _ := g.lookups.Do(key, func() (interface{}, error) {
		if batchParam := c.Query("batch_id"); batchParam != "" {
			batchID, err := strconv.ParseUint(batchParam, 10, 64)
			if err != nil {
				return nil, err
			}
			return g.acc.ProofAt(batchID, recordID)
		}
		return g.acc.Proof(recordID)
	})
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "proof not found"})
		return
	}

	proof := result.(*merkle.Proof)
	path := make([]string, len(proof.Path))
	for i, node := range proof.Path {
		path[i] = hex.EncodeToString(node[:])
	}
	c.JSON(http.StatusOK, gin.H{
		"root":       hex.EncodeToString(proof.Root[:]),
		"path":       path,
		"leaf_index": proof.LeafIndex,
		"batch_id":   proof.BatchID,
	})
}

func (g *Gateway) systemHealth(c *gin.Context) {
	ctx := c.Request.Context()
	active, err := g.flags.ActiveChain(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "active chain unavailable"})
		return
	}

	chains := make(map[string]interface{}, len(g.monitors))
	for id, monitor := range g.monitors {
		if snap, ok := monitor.Latest(); ok {
			chains[string(id)] = snap
		}
	}

	pending := make(map[string]int, len(g.monitors))
	for id := range g.monitors {
		if n, err := g.store.PendingCount(ctx, string(id)); err == nil {
			pending[string(id)] = n
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"active_chain":  active,
		"chains":        chains,
		"pending":       pending,
		"solvency":      g.watchtower.Last(),
		"intake_paused": g.authority.Paused(),
	})
}

func (g *Gateway) exportExecutions(c *gin.Context) {
	since := time.Now().Add(-store.ExecutionRetention)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
			return
		}
		since = parsed
	}

	records, err := g.store.Executions(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export registry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "executions": records})
}

func (g *Gateway) sessionVolume(c *gin.Context) {
	key := c.Param("session_key")
	volume, err := g.store.SessionVolume(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read volume"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_key": key, "volume_units": volume})
}

func (g *Gateway) putPolicy(c *gin.Context) {
	var policy intent.SessionKeyPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy"})
		return
	}
	if policy.SessionKey == "" || policy.OwnerKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing keys"})
		return
	}
	if err := g.policies.PutPolicy(c.Request.Context(), &policy); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store policy"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_key": policy.SessionKey})
}

func (g *Gateway) clearSolvency(c *gin.Context) {
	operator := c.GetString("operator")
	if err := g.watchtower.Clear(c.Request.Context(), operator); err != nil {
		if err == solvency.ErrNotPaused {
			c.JSON(http.StatusConflict, gin.H{"error": "watchtower is not paused"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": solvency.StateSolvent, "cleared_by": operator})
}

func (g *Gateway) switchover(c *gin.Context) {
	var req struct {
		From string `json:"from" binding:"required"`
		To   string `json:"to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := g.switcher.SwitchOver(c.Request.Context(), chain.ID(req.From), chain.ID(req.To))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "rolled_back": result.RolledBack})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (g *Gateway) pauseIntake(c *gin.Context) {
	g.authority.Pause()
	c.JSON(http.StatusOK, gin.H{"intake_paused": true})
}

func (g *Gateway) resumeIntake(c *gin.Context) {
	g.authority.Resume()
	c.JSON(http.StatusOK, gin.H{"intake_paused": false})
}

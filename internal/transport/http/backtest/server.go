// Package backtesthttp exposes the candle store, program registry and run
// service over a small JSON API.
package backtesthttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"pilot/internal/backtest"
	"pilot/internal/market"
	"pilot/internal/program"

	"github.com/gin-gonic/gin"
)

// Server serves the backtest HTTP API.
type Server struct {
	addr     string
	runs     *backtest.Service
	fetcher  *market.FetchService
	candles  *market.Store
	programs *program.Registry
	router   *gin.Engine
}

// Config describes the server's dependencies.
type Config struct {
	Addr     string
	Runs     *backtest.Service
	Fetcher  *market.FetchService
	Candles  *market.Store
	Programs *program.Registry
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Runs == nil {
		return nil, errors.New("run service cannot be nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:     cfg.Addr,
		runs:     cfg.Runs,
		fetcher:  cfg.Fetcher,
		candles:  cfg.Candles,
		programs: cfg.Programs,
		router:   router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	marketAPI := api.Group("/market")
	marketAPI.POST("/fetch", s.handleFetch)
	marketAPI.GET("/fetch/:id", s.handleFetchStatus)
	marketAPI.GET("/jobs", s.handleJobs)
	marketAPI.GET("/candles", s.handleCandles)

	api.GET("/programs", s.handlePrograms)
	api.GET("/programs/:id", s.handleProgramDetail)

	runs := api.Group("/backtest")
	runs.POST("/runs", s.handleRunStart)
	runs.GET("/runs", s.handleRunList)
	runs.GET("/runs/:id", s.handleRunDetail)
	runs.GET("/runs/:id/trades", s.handleRunTrades)
	runs.GET("/runs/:id/equity", s.handleRunEquity)
	runs.GET("/runs/:id/report", s.handleRunReport)
}

func (s *Server) handleFetch(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fetch service not enabled"})
		return
	}
	var req struct {
		Symbol   string `json:"symbol" binding:"required"`
		Interval string `json:"interval" binding:"required"`
		Source   string `json:"source"`
		StartTS  int64  `json:"start_ts" binding:"required"`
		EndTS    int64  `json:"end_ts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.fetcher.SubmitFetch(market.FetchParams{
		Symbol:   req.Symbol,
		Interval: req.Interval,
		Source:   req.Source,
		Start:    req.StartTS,
		End:      req.EndTS,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleFetchStatus(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fetch service not enabled"})
		return
	}
	job, ok := s.fetcher.JobSnapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleJobs(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fetch service not enabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.fetcher.JobsSnapshot()})
}

func (s *Server) handleCandles(c *gin.Context) {
	if s.candles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "candle store not enabled"})
		return
	}
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval are required"})
		return
	}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	data, err := s.candles.RangeCandles(c.Request.Context(), symbol, interval, start, end)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": data})
}

func (s *Server) handlePrograms(c *gin.Context) {
	if s.programs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "program registry not enabled"})
		return
	}
	snap := s.programs.Snapshot()
	c.JSON(http.StatusOK, gin.H{"version": snap.Version, "programs": s.programs.IDs()})
}

func (s *Server) handleProgramDetail(c *gin.Context) {
	if s.programs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "program registry not enabled"})
		return
	}
	prog, ok := s.programs.Program(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "program not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"program": prog})
}

func (s *Server) handleRunStart(c *gin.Context) {
	var req struct {
		ProgramID string                    `json:"program_id" binding:"required"`
		Config    backtest.SimulationConfig `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.runs.StartRun(c.Request.Context(), req.ProgramID, req.Config)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunTrades(c *gin.Context) {
	trades, err := s.runs.Trades(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleRunEquity(c *gin.Context) {
	equity, err := s.runs.Equity(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": equity})
}

// handleRunReport renders the run's equity report as a standalone HTML page.
func (s *Server) handleRunReport(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.runs.GetRun(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	curve, err := s.runs.Equity(ctx, run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	trades, err := s.runs.Trades(ctx, run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := backtest.RenderReport(c.Writer, run, curve, trades); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

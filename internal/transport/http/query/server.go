// Package queryhttp 提供规范序列与运行台账的只读 HTTP 查询接口。
package queryhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fxcanon/internal/canonical"
	"fxcanon/internal/logger"
	"fxcanon/internal/market"
	"fxcanon/internal/pkg/symbol"
	"fxcanon/internal/reconcile"
	"fxcanon/internal/store/runlog"

	"github.com/gin-gonic/gin"
)

const maxSeriesPoints = 200_000

// SeriesReader 是 canonical.Store 的只读部分。
type SeriesReader interface {
	Read(ctx context.Context, instrument, timeframe string, rng market.Range, version int) (*reconcile.Series, error)
	Versions(ctx context.Context, instrument, timeframe string) ([]canonical.VersionInfo, error)
	Manifests(ctx context.Context, instrument, timeframe string) ([]canonical.Manifest, error)
	Series() ([][2]string, error)
}

// RunLedger 是运行台账的只读部分。
type RunLedger interface {
	List(ctx context.Context, f runlog.Filter) ([]runlog.Run, error)
	Get(ctx context.Context, id string) (runlog.Run, error)
}

// Config 描述查询服务依赖。
type Config struct {
	Addr   string
	Series SeriesReader
	Runs   RunLedger
}

// Server 提供 /api 下的查询接口。
type Server struct {
	addr   string
	series SeriesReader
	runs   RunLedger
	router *gin.Engine
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Series == nil {
		return nil, errors.New("series reader 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	s := &Server{addr: cfg.Addr, series: cfg.Series, runs: cfg.Runs, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := s.router.Group("/api")
	api.GET("/series", s.handleSeries)
	api.GET("/versions", s.handleVersions)
	api.GET("/manifest", s.handleManifest)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
}

// Handler 暴露路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func seriesParams(c *gin.Context) (string, market.Timeframe, error) {
	inst := symbol.Normalize(c.Query("instrument"))
	if inst == "" {
		return "", market.Timeframe{}, fmt.Errorf("instrument 必填或无法识别")
	}
	tf, err := market.ParseTimeframe(c.Query("timeframe"))
	if err != nil {
		return "", market.Timeframe{}, err
	}
	return inst, tf, nil
}

// handleSeries 返回区间内的规范序列。start/end 接受毫秒或 RFC3339。
func (s *Server) handleSeries(c *gin.Context) {
	inst, tf, err := seriesParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, err := parseTime(c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start 非法: " + err.Error()})
		return
	}
	end, err := parseTime(c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end 非法: " + err.Error()})
		return
	}
	rng := tf.AlignRange(market.Range{Start: start, End: end})
	if rng.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "区间为空"})
		return
	}
	if tf.Steps(rng) > maxSeriesPoints {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("区间过大，最多 %d 个点", maxSeriesPoints)})
		return
	}
	version, _ := strconv.Atoi(c.DefaultQuery("version", "0"))
	series, err := s.series.Read(c.Request.Context(), inst, tf.Key, rng, version)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if series.Version == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "序列不存在"})
		return
	}
	if c.Query("compact") == "1" {
		c.JSON(http.StatusOK, gin.H{
			"instrument": series.Instrument,
			"timeframe":  series.Timeframe,
			"range":      series.Range,
			"version":    series.Version,
			"digest":     series.Digest,
			"spans":      series.Spans,
			"gaps":       series.Gaps,
			"stats":      series.Stats(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"series": series, "stats": series.Stats()})
}

func (s *Server) handleVersions(c *gin.Context) {
	inst, tf, err := seriesParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	list, err := s.series.Versions(c.Request.Context(), inst, tf.Key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": list})
}

// handleManifest 不带参数时列出所有已存储序列，带 instrument/timeframe 时返回该序列的月份块统计。
func (s *Server) handleManifest(c *gin.Context) {
	if c.Query("instrument") == "" && c.Query("timeframe") == "" {
		list, err := s.series.Series()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]gin.H, 0, len(list))
		for _, item := range list {
			out = append(out, gin.H{"instrument": item[0], "timeframe": item[1]})
		}
		c.JSON(http.StatusOK, gin.H{"series": out})
		return
	}
	inst, tf, err := seriesParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	blocks, err := s.series.Manifests(c.Request.Context(), inst, tf.Key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": blocks})
}

func (s *Server) handleRunList(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行台账未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter := runlog.Filter{
		Instrument: symbol.Normalize(c.Query("instrument")),
		Status:     runlog.Status(strings.ToLower(c.Query("status"))),
		Limit:      limit,
	}
	if raw := c.Query("timeframe"); raw != "" {
		tf, err := market.ParseTimeframe(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Timeframe = tf.Key
	}
	runs, err := s.runs.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行台账未启用"})
		return
	}
	run, err := s.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, runlog.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func parseTime(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("不能为空")
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, err
	}
	return ts.UnixMilli(), nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("[http] %s %s status=%d ip=%s dur=%s", c.Request.Method, c.Request.URL.RequestURI(),
			c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 查询服务监听 %s", s.addr)

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

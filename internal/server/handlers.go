package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/execution"
	"github.com/ggonzalez94/defi-custody/internal/model"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, model.Health{
		Status:    "ok",
		ChainID:   s.cfg.ChainID,
		Custodial: s.cfg.Custodial,
		Signer:    s.cfg.Signer,
		DryRun:    s.cfg.DryRun,
		Version:   s.cfg.Version,
	})
}

func (s *Server) listTrades(c *gin.Context) {
	var status execution.TradeStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := execution.ParseTradeStatus(raw)
		if err != nil {
			s.fail(c, err)
			return
		}
		status = parsed
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			s.fail(c, clierr.Newf(clierr.CodeBadRequest, "limit must be between 1 and 500, got %q", raw))
			return
		}
		limit = n
	}
	trades, err := s.trades.List(c.Request.Context(), status, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, trades)
}

func (s *Server) getTrade(c *gin.Context) {
	trade, err := s.trades.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, trade)
}

func (s *Server) tradeEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.trades.Get(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	events, err := s.trades.Events(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, events)
}

func (s *Server) executeTrade(c *gin.Context) {
	var req model.ExecuteRequest
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		s.fail(c, clierr.Wrap(clierr.CodeBadRequest, "read execute request", err))
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.fail(c, clierr.Wrap(clierr.CodeBadRequest, "decode execute request", err))
			return
		}
	}
	maxWait, err := s.maxWait(req.MaxWaitMS)
	if err != nil {
		s.fail(c, err)
		return
	}
	result, err := s.exec.Execute(c.Request.Context(), c.Param("id"), maxWait)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, result)
}

func (s *Server) tradeReceipt(c *gin.Context) {
	var ms int64
	if raw := strings.TrimSpace(c.Query("maxWaitMs")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.fail(c, clierr.Newf(clierr.CodeBadRequest, "maxWaitMs must be an integer, got %q", raw))
			return
		}
		ms = parsed
	}
	maxWait, err := s.maxWait(ms)
	if err != nil {
		s.fail(c, err)
		return
	}
	result, err := s.exec.Poll(c.Request.Context(), c.Param("id"), maxWait)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, result)
}

func (s *Server) wrap(c *gin.Context) {
	var req execution.WrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, clierr.Wrap(clierr.CodeBadRequest, "decode wrap request", err))
		return
	}
	result, err := s.exec.Wrap(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, result)
}

func (s *Server) reconcile(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(c, clierr.Newf(clierr.CodeBadRequest, "limit must be a positive integer, got %q", raw))
			return
		}
		limit = n
	}
	result, err := s.exec.Reconcile(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, result)
}

func (s *Server) maxWait(ms int64) (time.Duration, error) {
	if ms < 0 {
		return 0, clierr.Newf(clierr.CodeBadRequest, "maxWaitMs must not be negative, got %d", ms)
	}
	if ms > s.cfg.MaxWait.Milliseconds() {
		return 0, clierr.Newf(clierr.CodeBadRequest, "maxWaitMs exceeds the %s limit", s.cfg.MaxWait)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

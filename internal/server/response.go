package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/model"
)

func (s *Server) meta(c *gin.Context) model.EnvelopeMeta {
	return model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: time.Now().UTC(),
		Command:   c.Request.Method + " " + c.FullPath(),
		ChainID:   s.cfg.ChainID,
		Signer:    s.cfg.Signer,
		DryRun:    s.cfg.DryRun,
	}
}

func (s *Server) ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    data,
		Meta:    s.meta(c),
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	if clierr.CodeOf(err) == clierr.CodeUnexpected {
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	writeErrorMeta(c, err, s.meta(c))
}

func writeError(c *gin.Context, err error) {
	writeErrorMeta(c, err, model.EnvelopeMeta{RequestID: newRequestID(), Timestamp: time.Now().UTC()})
}

// writeErrorMeta hides the message of untyped errors from callers.
func writeErrorMeta(c *gin.Context, err error, meta model.EnvelopeMeta) {
	code := clierr.CodeOf(err)
	message := "internal error"
	if typed, ok := clierr.As(err); ok && code != clierr.CodeUnexpected {
		message = typed.Error()
	}
	c.JSON(clierr.HTTPStatus(err), model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Error: &model.ErrorBody{
			Code:    clierr.ExitCode(err),
			Type:    string(code),
			Message: message,
		},
		Meta: meta,
	})
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

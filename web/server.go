package web

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/freemoses/tpro/catalog"
	"github.com/freemoses/tpro/config"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/data"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/log"
)

/*
Server is the HTTP boundary the desk UI talks to: auth, runner status,
instrument listings, user records, and a websocket stream of sync events.
*/
type Server struct {
	Cfg    *config.WebConfig
	Runner *data.Runner
	Cat    *catalog.Catalog
	Bus    *data.Bus
}

func NewServer(cfg *config.WebConfig, runner *data.Runner, cat *catalog.Catalog, bus *data.Bus) *Server {
	return &Server{Cfg: cfg, Runner: runner, Cat: cat, Bus: bus}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) *errs.Error {
	app := fiber.New(fiber.Config{
		AppName:      "tpro " + core.Version,
		ErrorHandler: errHandler,
	})

	app.Post("/api/login", s.postLogin)

	api := app.Group("/api", s.jwtGuard)
	api.Get("/status", s.getStatus)
	api.Get("/instruments", s.getInstruments)
	regGuiRecs(api, "/strategies")
	regGuiRecs(api, "/accounts")

	s.regWs(app)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(5 * time.Second)
		close(done)
	}()
	log.Info("web server listening", zap.String("addr", s.Cfg.Addr))
	if err_ := app.Listen(s.Cfg.Addr); err_ != nil {
		return errs.New(core.ErrRunTime, err_)
	}
	<-done
	return nil
}

func errHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
	} else if ae, ok := err.(*errs.Error); ok {
		log.Warn("api error", zap.String("path", c.Path()), zap.String("err", ae.Short()))
	}
	return c.Status(code).JSON(fiber.Map{
		"code": code,
		"msg":  err.Error(),
	})
}

package web

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/freemoses/tpro/log"
)

/*
regWs wires the event stream: each connected UI gets its own bus
subscription and receives sync progress as JSON frames. The subscription
closes with the socket so slow or dead clients never pin the bus.
*/
func (s *Server) regWs(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if token := c.Query("token"); token != "" {
			if err := s.checkToken(token); err != nil {
				return err
			}
			return c.Next()
		}
		return &fiber.Error{Code: fiber.StatusUnauthorized, Message: "token required"}
	})
	app.Get("/ws/events", websocket.New(func(conn *websocket.Conn) {
		ch, cancel := s.Bus.Subscribe()
		defer cancel()
		// reader goroutine just waits for the close frame
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case <-closed:
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(evt); err != nil {
					log.Debug("ws write failed", zap.Error(err))
					return
				}
			}
		}
	}))
}

package web

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/freemoses/tpro/orm"
)

type loginArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// postLogin checks the configured credentials and issues a 24h token.
func (s *Server) postLogin(c *fiber.Ctx) error {
	var args loginArgs
	if err := c.BodyParser(&args); err != nil {
		return &fiber.Error{Code: fiber.StatusBadRequest, Message: "bad request body"}
	}
	if args.Username != s.Cfg.User || args.Password != s.Cfg.Password {
		return &fiber.Error{Code: fiber.StatusUnauthorized, Message: "bad credentials"}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": args.Username,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(s.Cfg.JWTSecret))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"code":  200,
		"token": signed,
	})
}

// jwtGuard validates the bearer token on every /api route except login.
func (s *Server) jwtGuard(c *fiber.Ctx) error {
	auth := c.Get(fiber.HeaderAuthorization)
	raw := strings.TrimPrefix(auth, "Bearer ")
	if raw == "" || raw == auth {
		raw = c.Query("token")
	}
	if raw == "" {
		return &fiber.Error{Code: fiber.StatusUnauthorized, Message: "token required"}
	}
	if err := s.checkToken(raw); err != nil {
		return err
	}
	return c.Next()
}

func (s *Server) checkToken(raw string) error {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.Cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return &fiber.Error{Code: fiber.StatusUnauthorized, Message: "invalid token"}
	}
	return nil
}

func (s *Server) getStatus(c *fiber.Ctx) error {
	st, err := s.Runner.Status()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"code": 200,
		"data": st,
	})
}

/*
getInstruments lists the catalog, filterable by kind and as-of date:
GET /api/instruments?kind=CS&as_of=20260830
*/
func (s *Server) getInstruments(c *fiber.Ctx) error {
	asOf := c.QueryInt("as_of", 0)
	var kinds []string
	if kind := c.Query("kind"); kind != "" {
		kinds = strings.Split(kind, ",")
	}
	items := s.Cat.SortedByID(s.Cat.All(asOf, kinds...))
	rows := make([]fiber.Map, 0, len(items))
	for _, it := range items {
		rows = append(rows, fiber.Map{
			"sid":         it.Sid,
			"inst_id":     it.InstID,
			"symbol":      it.Symbol,
			"name":        it.Name,
			"kind":        it.Kind,
			"market":      it.Market,
			"board":       it.Board,
			"status":      it.Status,
			"list_date":   it.ListDate,
			"delist_date": it.DelistDate,
		})
	}
	return c.JSON(fiber.Map{
		"code": 200,
		"data": rows,
	})
}

// regGuiRecs wires CRUD for one user-record collection (strategies, accounts).
func regGuiRecs(api fiber.Router, path string) {
	coll := strings.TrimPrefix(path, "/")
	api.Get(path, func(c *fiber.Ctx) error {
		items, err := orm.ListGuiRecs(coll)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"code": 200, "data": items})
	})
	api.Get(path+"/:id", func(c *fiber.Ctx) error {
		it, err := orm.GetGuiRec(coll, c.Params("id"))
		if err != nil {
			return err
		}
		if it == nil {
			return &fiber.Error{Code: fiber.StatusNotFound, Message: "not found"}
		}
		return c.JSON(fiber.Map{"code": 200, "data": it})
	})
	api.Post(path, func(c *fiber.Ctx) error {
		var rec orm.GuiRec
		if err := c.BodyParser(&rec); err != nil {
			return &fiber.Error{Code: fiber.StatusBadRequest, Message: "bad request body"}
		}
		if rec.Name == "" {
			return &fiber.Error{Code: fiber.StatusBadRequest, Message: "name is required"}
		}
		if err := orm.SaveGuiRec(coll, &rec); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"code": 200, "data": &rec})
	})
	api.Delete(path+"/:id", func(c *fiber.Ctx) error {
		if err := orm.DelGuiRec(coll, c.Params("id")); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"code": 200})
	})
}


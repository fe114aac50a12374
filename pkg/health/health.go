package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(ProvideHealth))

// CheckerGroup is the fx value group components add readiness checks to.
const CheckerGroup = `group:"health.checkers"`

// Checker reports whether one dependency is usable. A nil error is healthy.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// AsChecker annotates a constructor so its result joins the readiness checks.
func AsChecker(f any) any {
	return fx.Annotate(f, fx.As(new(Checker)), fx.ResultTags(CheckerGroup))
}

type CheckFunc struct {
	DepName string
	Fn      func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.DepName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps,omitempty"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

type health struct {
	checkers []Checker
	timeout  time.Duration
}

type HealthParams struct {
	fx.In
	DB       *gorm.DB      `optional:"true"`
	Redis    *redis.Client `optional:"true"`
	Checkers []Checker     `group:"health.checkers"`
}

func ProvideHealth(p HealthParams) HealthService {
	checkers := make([]Checker, 0, len(p.Checkers)+2)
	if p.DB != nil {
		checkers = append(checkers, CheckFunc{DepName: "database", Fn: func(ctx context.Context) error {
			sqlDB, err := p.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}})
	}
	if p.Redis != nil {
		checkers = append(checkers, CheckFunc{DepName: "redis", Fn: func(ctx context.Context) error {
			return p.Redis.Ping(ctx).Err()
		}})
	}
	checkers = append(checkers, p.Checkers...)

	return &health{checkers: checkers, timeout: 2 * time.Second}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{Status: "healthy", Message: "OK"})
}

// Readiness runs every checker concurrently and reports 503 when any fails.
func (h *health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	deps := make([]Dependency, len(h.checkers))
	var g errgroup.Group
	for i, chk := range h.checkers {
		g.Go(func() error {
			dep := Dependency{Name: chk.Name(), Status: "healthy", Message: "OK"}
			if err := chk.Check(ctx); err != nil {
				dep.Status = "unhealthy"
				dep.Message = err.Error()
			}
			deps[i] = dep
			return nil
		})
	}
	_ = g.Wait()

	out := &Health{Status: "healthy", Message: "OK", Deps: deps}
	code := http.StatusOK
	for _, d := range deps {
		if d.Status != "healthy" {
			out.Status = "unhealthy"
			out.Message = "dependency unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, out)
}

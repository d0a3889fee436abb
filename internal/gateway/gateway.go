// Package gateway is the HTTP edge: it turns REST requests into calls on the
// users and auth workers and maps call outcomes to status codes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	contractauth "github.com/next-trace/blossom/contract/auth"
	"github.com/next-trace/blossom/contract/rpc"
	contractusers "github.com/next-trace/blossom/contract/users"
)

// UsersAPI is the users worker as seen by the gateway.
type UsersAPI interface {
	Create(ctx context.Context, in contractusers.CreateUser) (*contractusers.User, error)
	FindAll(ctx context.Context) ([]contractusers.User, error)
	FindOne(ctx context.Context, id int64) (*contractusers.User, error)
	Update(ctx context.Context, id int64, data contractusers.UpdateUser) (*contractusers.User, error)
	Remove(ctx context.Context, id int64) (*contractusers.User, error)
	State() rpc.State
}

// AuthAPI is the auth worker as seen by the gateway.
type AuthAPI interface {
	Register(ctx context.Context, in contractauth.RegisterCredentials) (*contractauth.Credential, error)
	Verify(ctx context.Context, in contractauth.VerifyCredentials) (contractauth.VerifyResult, error)
	State() rpc.State
}

// ginModeOnce keeps gin.SetMode from racing between gateways in one process.
var ginModeOnce sync.Once

type Gateway struct {
	users  UsersAPI
	auth   AuthAPI
	logger *zap.Logger
	engine *gin.Engine
}

func New(users UsersAPI, auth AuthAPI, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}

	ginModeOnce.Do(func() {
		if gin.Mode() == gin.DebugMode {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	g := &Gateway{users: users, auth: auth, logger: logger, engine: gin.New()}
	g.engine.Use(gin.Recovery(), g.accessLog())
	g.routes()

	return g
}

// Handler returns the router.
func (g *Gateway) Handler() http.Handler { return g.engine }

func (g *Gateway) routes() {
	g.engine.GET("/healthz", g.health)
	g.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := g.engine.Group("/api")

	u := api.Group("/users")
	u.POST("", g.createUser)
	u.GET("", g.listUsers)
	u.GET("/:id", g.getUser)
	u.PATCH("/:id", g.updateUser)
	u.DELETE("/:id", g.removeUser)

	a := api.Group("/auth")
	a.POST("/register", g.register)
	a.POST("/verify", g.verify)
}

func (g *Gateway) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		g.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (g *Gateway) health(c *gin.Context) {
	states := gin.H{}
	status := http.StatusOK

	for name, s := range map[string]rpc.State{"users": g.users.State(), "auth": g.auth.State()} {
		states[name] = s.String()
		if s != rpc.StateConnected {
			status = http.StatusServiceUnavailable
		}
	}

	c.JSON(status, states)
}

// Run serves on addr until ctx ends, then shuts down within shutdownTimeout.
func (g *Gateway) Run(ctx context.Context, addr string, readTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.engine,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("starting HTTP server", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	g.logger.Info("stopping HTTP server")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	return nil
}

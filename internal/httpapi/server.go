// Package httpapi exposes a DataStore over HTTP for the demo UI: REST
// endpoints for queries and mutations plus a server-sent event stream per
// subscription.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/roach88/replica/internal/datastore"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/mutation"
	"github.com/roach88/replica/internal/predicate"
	"github.com/roach88/replica/internal/query"
	"github.com/roach88/replica/internal/reconcile"
)

// Server serves one DataStore.
type Server struct {
	ds      *datastore.DataStore
	logger  *slog.Logger
	origins []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCORSOrigins sets the allowed origins. "*" allows all.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// New creates a server for ds.
func New(ds *datastore.DataStore, opts ...Option) *Server {
	s := &Server{ds: ds, logger: slog.Default(), origins: []string{"*"}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.cors(), s.errorHandler())

	r.GET("/healthz", s.health)
	r.GET("/schema", s.schema)

	api := r.Group("/api")
	api.GET("/:type", s.list)
	api.POST("/:type", s.create)
	api.DELETE("/:type", s.deleteWhere)
	api.GET("/:type/:id", s.get)
	api.PATCH("/:type/:id", s.update)
	api.DELETE("/:type/:id", s.delete)
	api.GET("/:type/:id/:relationship", s.children)

	r.GET("/related/:type/:id/:via", s.related)
	r.GET("/events/:type", s.events)
	return r
}

func (s *Server) cors() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Cache-Control"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.origins) == 0 || (len(s.origins) == 1 && s.origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.origins
	}
	return cors.New(cfg)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"pending_mutations": s.ds.Outbox().Len(),
		"reconciler":        s.ds.Stats(),
	})
}

func (s *Server) schema(c *gin.Context) {
	cat := s.ds.Catalog()
	c.JSON(http.StatusOK, gin.H{
		"entities":      cat.Entities(),
		"relationships": cat.Relationships(),
	})
}

// request reads filter, sort, limit and cursor from the query string.
func request(c *gin.Context, entityType string) (query.Request, error) {
	req := query.Request{Type: entityType, Cursor: c.Query("cursor")}
	if f := c.Query("filter"); f != "" {
		p, err := predicate.ParseFilter([]byte(f))
		if err != nil {
			return query.Request{}, err
		}
		req.Filter = p
	}
	if v := c.Query("sort"); v != "" {
		keys, err := predicate.ParseSortString(v)
		if err != nil {
			return query.Request{}, err
		}
		req.Sort = keys
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return query.Request{}, ir.ValidationError(entityType, "limit", "limit must be a non-negative integer")
		}
		req.Limit = n
	}
	return req, nil
}

func (s *Server) list(c *gin.Context) {
	req, err := request(c, c.Param("type"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	page, err := s.ds.Query(req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) children(c *gin.Context) {
	req, err := request(c, "")
	if err != nil {
		_ = c.Error(err)
		return
	}
	page, err := s.ds.Children(c.Param("type"), c.Param("id"), c.Param("relationship"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) related(c *gin.Context) {
	items, err := s.ds.Related(c.Param("type"), c.Param("id"), c.Param("via"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if items == nil {
		items = []ir.Entity{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) get(c *gin.Context) {
	e, err := s.ds.Get(c.Param("type"), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// CreateRequest is the body of POST /api/:type.
type CreateRequest struct {
	ID     string      `json:"id,omitempty"`
	Fields ir.IRObject `json:"fields"`
}

// UpdateRequest is the body of PATCH /api/:type/:id.
type UpdateRequest struct {
	Fields    ir.IRObject     `json:"fields"`
	Condition json.RawMessage `json:"condition,omitempty"`
}

// DeleteRequest is the optional body of DELETE /api/:type/:id.
type DeleteRequest struct {
	Condition json.RawMessage `json:"condition,omitempty"`
}

func bind(c *gin.Context, entityType string, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return ir.ValidationError(entityType, "", "malformed body: %v", err)
	}
	return nil
}

// decodeOptional is bind for DELETE, where an empty body means no condition.
func decodeOptional(c *gin.Context, entityType string, dst any) error {
	if err := json.NewDecoder(c.Request.Body).Decode(dst); err != nil && err != io.EOF {
		return ir.ValidationError(entityType, "", "malformed body: %v", err)
	}
	return nil
}

func (s *Server) create(c *gin.Context) {
	typ := c.Param("type")
	var body CreateRequest
	if err := bind(c, typ, &body); err != nil {
		_ = c.Error(err)
		return
	}
	var opts []mutation.CreateOption
	if body.ID != "" {
		opts = append(opts, mutation.WithID(body.ID))
	}
	e, err := s.ds.Create(c.Request.Context(), typ, body.Fields, opts...)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (s *Server) update(c *gin.Context) {
	typ := c.Param("type")
	var body UpdateRequest
	if err := bind(c, typ, &body); err != nil {
		_ = c.Error(err)
		return
	}
	cond, err := predicate.ParseFilter(body.Condition)
	if err != nil {
		_ = c.Error(err)
		return
	}
	e, err := s.ds.Update(c.Request.Context(), typ, c.Param("id"), body.Fields, cond)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) delete(c *gin.Context) {
	typ := c.Param("type")
	var body DeleteRequest
	if err := decodeOptional(c, typ, &body); err != nil {
		_ = c.Error(err)
		return
	}
	cond, err := predicate.ParseFilter(body.Condition)
	if err != nil {
		_ = c.Error(err)
		return
	}
	d, err := s.ds.Delete(c.Request.Context(), typ, c.Param("id"), cond)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// deleteWhere requires an explicit filter; {} selects everything.
func (s *Server) deleteWhere(c *gin.Context) {
	typ := c.Param("type")
	f, ok := c.GetQuery("filter")
	if !ok {
		_ = c.Error(ir.ValidationError(typ, "filter", "filter is required; use {} to delete everything"))
		return
	}
	pred, err := predicate.ParseFilter([]byte(f))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if pred == nil {
		pred = predicate.All
	}
	deleted, err := s.ds.DeleteWhere(c.Request.Context(), typ, pred)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if deleted == nil {
		deleted = []mutation.Deleted{}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// events streams notifications for one entity type until the client goes
// away.
func (s *Server) events(c *gin.Context) {
	typ := c.Param("type")
	scope := reconcile.Scope{Type: typ, Owner: c.Query("owner")}
	if f := c.Query("filter"); f != "" {
		p, err := predicate.ParseFilter([]byte(f))
		if err != nil {
			_ = c.Error(err)
			return
		}
		scope.Filter = p
	}
	sub, err := s.ds.Subscribe(scope)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer sub.Close()
	s.logger.Info("event stream opened", "subscription", sub.ID, "type", typ, "owner", scope.Owner)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case n, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent("notification", n)
			return true
		}
	})
	s.logger.Info("event stream closed", "subscription", sub.ID)
}

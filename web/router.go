package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/javahippie/fitpub-sub002/activitypub"
	"github.com/javahippie/fitpub-sub002/db"
	"github.com/javahippie/fitpub-sub002/util"
	"golang.org/x/time/rate"
)

// Server wires the federation endpoints to the store and the inbound
// processor.
type Server struct {
	store     *db.DB
	processor *activitypub.Processor
	conf      *util.AppConfig
}

func NewServer(store *db.DB, processor *activitypub.Processor, conf *util.AppConfig) *Server {
	return &Server{store: store, processor: processor, conf: conf}
}

// Router builds the gin engine with all federation routes mounted.
func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter limit for federation endpoints: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024) // 1MB

	g.GET("/users/:actor", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		doc, err := s.actorDocument(c.Param("actor"))
		if err != nil {
			c.Render(404, render.String{Format: doc})
		} else {
			c.Render(200, render.String{Format: doc})
		}
	})

	g.GET("/workouts/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		workoutId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(404, gin.H{"error": "Invalid workout ID"})
			return
		}
		doc, err := s.workoutDocument(workoutId)
		if err != nil {
			c.JSON(404, gin.H{"error": "Workout not found"})
		} else {
			c.Render(200, render.String{Format: doc})
		}
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)
	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)

	g.GET("/users/:actor/outbox", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Render(200, render.String{Format: s.emptyCollection(c.Param("actor"), "outbox")})
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		doc, err := s.followersCollection(c.Param("actor"))
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
		} else {
			c.Render(200, render.String{Format: doc})
		}
	})

	g.GET("/users/:actor/following", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Render(200, render.String{Format: s.emptyCollection(c.Param("actor"), "following")})
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: webfingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", s.conf.Conf.SslDomain))
		resp, err := s.webfinger(resource)
		if err != nil {
			c.Render(404, render.String{Format: webfingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	return g
}

// handleInbox runs both the shared and the per-actor inbox. The
// processor routes on the activity content, so the two endpoints share
// one handler.
func (s *Server) handleInbox(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		log.Warn("inbox: failed to read body", "err", err)
		c.Status(http.StatusBadRequest)
		return
	}

	// The server moves the Host header into Request.Host; put it back so
	// signatures covering it verify
	headers := c.Request.Header.Clone()
	if headers.Get("Host") == "" && c.Request.Host != "" {
		headers.Set("Host", c.Request.Host)
	}

	res := s.processor.AcceptInbound(
		c.Request.Context(),
		c.Request.Method,
		c.Request.URL.RequestURI(),
		headers,
		body,
	)
	if res.Accepted {
		c.Status(http.StatusAccepted)
		return
	}

	status := http.StatusBadRequest
	if strings.Contains(res.Reason, "signature") || strings.Contains(res.Reason, "signing key") {
		status = http.StatusUnauthorized
	}
	c.JSON(status, gin.H{"error": res.Reason})
}

func (s *Server) emptyCollection(username, suffix string) string {
	return fmt.Sprintf(
		`{"@context":"https://www.w3.org/ns/activitystreams","id":"https://%s/users/%s/%s","type":"OrderedCollection","totalItems":0,"orderedItems":[]}`,
		s.conf.Conf.SslDomain, username, suffix)
}

func (s *Server) followersCollection(username string) (string, error) {
	acc, err := s.store.ReadAccByUsername(username)
	if err != nil {
		return "", err
	}
	uris, err := s.store.ReadRemoteFollowerURIs(acc.Id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		`{"@context":"https://www.w3.org/ns/activitystreams","id":"https://%s/users/%s/followers","type":"OrderedCollection","totalItems":%d}`,
		s.conf.Conf.SslDomain, username, len(uris)), nil
}

// Run starts the HTTP listener and blocks.
func (s *Server) Run() error {
	log.Info("starting federation server", "host", s.conf.Conf.Host, "port", s.conf.Conf.HttpPort)
	return s.Router().Run(fmt.Sprintf(":%d", s.conf.Conf.HttpPort))
}

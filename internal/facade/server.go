// Package facade implements the Server façade (spec.md §4.F): the
// external HTTP surface that validates submissions and delegates to the
// Job Queue, Preallocator and Job Manager. Grounded on the teacher's
// cmd/judge-service/main.go buildHTTPServer (gin.New + Recovery +
// trace + request-logging middleware, grouped route registration) and
// internal/gateway's middleware stack, generalized from the OJ's
// judge-status-only surface to spec.md's open/upload/addJob/poll/info/
// jobs/pool/preallocVM command set.
package facade

import (
	"context"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tango/internal/common/config"
	"tango/internal/common/httpresponse"
	"tango/internal/common/logger"
	"tango/internal/common/tangoerr"
	"tango/internal/core/job"
	"tango/internal/core/manager"
	"tango/internal/core/pool"
	"tango/internal/core/queue"
	"tango/internal/facade/middleware"
	"tango/internal/store/dedupe"
	"tango/internal/store/objects"
	"tango/internal/store/tracelog"
	"tango/internal/vmms"
)

// Deps bundles every collaborator the façade delegates to.
type Deps struct {
	Queue    *queue.Queue
	Pool     *pool.Preallocator
	Manager  *manager.Manager
	Driver   vmms.Driver
	Objects  *objects.Store
	Trace    *tracelog.Store // optional; no handler reads it (dead-job traces are persisted through the manager's recorder)
	Dedupe   *dedupe.Cache    // optional; nil disables cross-instance dedupe acceleration
	KeyStore middleware.KeyStore
	Job      config.JobConfig
	QueueCfg config.QueueConfig
}

// NewServer builds the gin engine and registers every route.
func NewServer(cfg config.ServerConfig, deps Deps) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Trace())
	router.Use(requestLogger())

	f := &facade{deps: deps}

	api := router.Group("/api/v1")
	api.Use(middleware.Auth(deps.KeyStore))
	api.POST("/open", f.open)
	api.POST("/upload/:filename", f.upload)
	api.POST("/jobs", f.addJob)
	api.GET("/jobs/:id", f.pollJob)
	api.GET("/jobs", f.listJobs)
	api.GET("/jobs/:id/stream", f.streamJob)
	api.GET("/info", f.info)
	api.GET("/pool", f.poolSnapshot)
	api.POST("/pool/:image", f.preallocVM)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

type facade struct {
	deps Deps
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		p := c.FullPath()
		if p == "" {
			p = c.Request.URL.Path
		}
		logger.Info(c.Request.Context(), "request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", p),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// requesterKey returns the caller's verified identity, set by
// middleware.Auth.
func requesterKey(c *gin.Context) string {
	v, _ := c.Get("access_key")
	s, _ := v.(string)
	return s
}

// objectKey namespaces storage keys under the requester's identity so
// two requesters can upload files of the same name without collision.
func objectKey(requester, filename string) string {
	return path.Join("requesters", requester, filename)
}

// manifestEntry is one file in open()'s response.
type manifestEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	ETag string `json:"etag"`
}

// open returns the caller's manifest (spec.md §4.F "open(key)"). It
// creates nothing, and the manifest holds at most the requester's
// ".manifest" object; other files uploaded under the requester's prefix
// are not listed.
func (f *facade) open(c *gin.Context) {
	requester := requesterKey(c)
	stat, err := f.deps.Objects.StatObject(c.Request.Context(), objectKey(requester, ".manifest"))
	manifest := []manifestEntry{}
	if err == nil {
		manifest = append(manifest, manifestEntry{Name: stat.Key, Size: stat.Size, ETag: stat.ETag})
	}
	httpresponse.OK(c, gin.H{"requester": requester, "files": manifest})
}

// upload stores bytes under the caller's directory (spec.md §4.F
// "upload(key, filename, bytes)").
func (f *facade) upload(c *gin.Context) {
	filename := c.Param("filename")
	if filename == "" {
		httpresponse.AbortWithCode(c, tangoerr.InvalidParams, "filename is required")
		return
	}
	data, err := readAllLimited(c, f.deps.Job.MaxOutputFileSize)
	if err != nil {
		httpresponse.AbortWithError(c, tangoerr.Wrapf(err, tangoerr.InvalidParams, "read body: %v", err))
		return
	}
	requester := requesterKey(c)
	stat, err := f.deps.Objects.PutObject(c.Request.Context(), objectKey(requester, filename), data, c.ContentType())
	if err != nil {
		httpresponse.AbortWithError(c, err)
		return
	}
	httpresponse.OK(c, manifestEntry{Name: filename, Size: stat.Size, ETag: stat.ETag})
}

func readAllLimited(c *gin.Context, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = 4 << 20
	}
	lr := &io.LimitedReader{R: c.Request.Body, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, tangoerr.New(tangoerr.InvalidParams).WithMessage("upload exceeds configured size limit")
	}
	return data, nil
}

// info returns queue/pool counters (spec.md §4.F "info / jobs / pool").
func (f *facade) info(c *gin.Context) {
	live, dead, pending := f.deps.Queue.Counts()
	httpresponse.OK(c, gin.H{
		"live":    live,
		"dead":    dead,
		"pending": pending,
		"pools":   f.deps.Pool.GetAllPools(),
	})
}

// listJobs returns live and dead job snapshots.
func (f *facade) listJobs(c *gin.Context) {
	live := f.deps.Queue.LiveJobs()
	dead := f.deps.Queue.DeadJobs()
	snaps := make([]job.Snapshot, 0, len(live)+len(dead))
	for _, j := range live {
		snaps = append(snaps, j.ToSnapshot())
	}
	for _, j := range dead {
		snaps = append(snaps, j.ToSnapshot())
	}
	httpresponse.OK(c, snaps)
}

// poolSnapshot returns every image pool's free/total/target.
func (f *facade) poolSnapshot(c *gin.Context) {
	httpresponse.OK(c, f.deps.Pool.GetAllPools())
}

// preallocVM resizes one image's pool (spec.md §4.F "preallocVM(image, n)").
func (f *facade) preallocVM(c *gin.Context) {
	image := c.Param("image")
	var body struct {
		Target int `json:"target"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httpresponse.AbortWithCode(c, tangoerr.InvalidParams, "target is required")
		return
	}
	if body.Target < 0 {
		httpresponse.AbortWithCode(c, tangoerr.InvalidParams, "target must be >= 0")
		return
	}
	f.deps.Pool.Update(context.Background(), image, body.Target)
	httpresponse.OK(c, f.deps.Pool.GetPool(image))
}

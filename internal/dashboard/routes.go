package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/store"
)

// registerRoutes sets up all status routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth())

	api := router.Group("/api")
	api.GET("/results", handleResultList(opts.Store))
	api.GET("/results/:id", handleResultDetail(opts.Store))
	api.GET("/stats", handleStats(opts))
	api.GET("/events", handleSSE(opts.Store, opts.PollInterval))

	router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleResultList(s Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := store.Filter{Status: c.Query("status"), SourceJob: c.Query("job")}
		if f.Status != "" && !models.ValidStatus(f.Status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(f.Status)})
			return
		}
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			f.Limit = n
		}

		rows, err := s.List(c.Request.Context(), f)
		if err != nil {
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": rows, "count": len(rows)})
	}
}

func handleResultDetail(s Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := s.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

func handleStats(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := LoadStats(c.Request.Context(), opts.Store, opts.Schedule)
		if err != nil {
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		opts.Metrics.SetResultCounts(stats.Counts)
		c.JSON(http.StatusOK, stats)
	}
}

// storeStatus maps a store error to an HTTP status.
func storeStatus(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	var se *store.StoreError
	if errors.As(err, &se) && se.Unavailable() {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

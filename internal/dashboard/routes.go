package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xChokes/mercado-sub000/internal/journal"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/stats", handleStats(opts.Market))
	api.GET("/agents", handleAgents(opts.Market))
	api.GET("/agents/:id", handleAgentDetail(opts.Market))
	api.GET("/market", handleMarket(opts.Market))

	j := api.Group("/journal")
	j.Use(requireJournal(opts.Journal))
	j.GET("/messages", handleJournalMessages(opts.Journal))
	j.GET("/anomalies", handleJournalAnomalies(opts.Journal))
	j.GET("/cycles", handleJournalCycles(opts.Journal))
	j.GET("/summary", handleJournalSummary(opts.Journal))

	api.GET("/events", handleSSE(opts))
}

func handleStats(m Market) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Stats())
	}
}

func handleAgents(m Market) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"agents": AgentList(m, c.Query("role"))})
	}
}

func handleAgentDetail(m Market) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, ok := AgentDetailFor(m, c.Param("id"), queryLimit(c, 50))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func handleMarket(m Market) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Market())
	}
}

func requireJournal(j Journal) gin.HandlerFunc {
	return func(c *gin.Context) {
		if j == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
			return
		}
		c.Next()
	}
}

func handleJournalMessages(j Journal) gin.HandlerFunc {
	return func(c *gin.Context) {
		since, err := querySince(c, time.Now())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		msgs, err := j.Messages(c.Request.Context(), journal.MessageFilter{
			Agent:   c.Query("agent"),
			Kind:    c.Query("kind"),
			Outcome: c.Query("outcome"),
			Since:   since,
			Limit:   queryLimit(c, 100),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func handleJournalAnomalies(j Journal) gin.HandlerFunc {
	return func(c *gin.Context) {
		since, err := querySince(c, time.Now())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows, err := j.Anomalies(c.Request.Context(), journal.AnomalyFilter{
			Kind:     c.Query("kind"),
			Severity: c.Query("severity"),
			Since:    since,
			Limit:    queryLimit(c, 100),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"anomalies": rows})
	}
}

func handleJournalCycles(j Journal) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := j.Cycles(c.Request.Context(), queryLimit(c, 20))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cycles": rows})
	}
}

func handleJournalSummary(j Journal) gin.HandlerFunc {
	return func(c *gin.Context) {
		since, err := querySince(c, time.Now())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if since.IsZero() {
			since = time.Now().Add(-24 * time.Hour)
		}
		sum, err := j.Summarize(c.Request.Context(), since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sum)
	}
}

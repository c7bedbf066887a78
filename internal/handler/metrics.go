package handler

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsMgr struct {
	name     string
	stageDir string
}

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewMetricsMgr)
}

func NewMetricsMgr(conf *RegisterConfig) Manager {
	return &MetricsMgr{
		name:     "metrics",
		stageDir: conf.Config.StageDir,
	}
}

func (mgr *MetricsMgr) GetName() string { return mgr.name }

func (mgr *MetricsMgr) RegisterPublic(root *gin.RouterGroup) {
	root.GET("/metrics", gin.WrapH(promhttp.Handler()))
	root.GET("/healthz", mgr.Healthz)
}

func (mgr *MetricsMgr) RegisterAPI(_ *gin.RouterGroup) {}

// Healthz fails while the stage directory is gone, since no upload could land.
func (mgr *MetricsMgr) Healthz(c *gin.Context) {
	if info, err := os.Stat(mgr.stageDir); err != nil || !info.IsDir() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"message": "stage directory unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
	})
}

package internal

import (
	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/raids-lab/acqpipe/internal/handler"
)

// registerManagers registers all the managers.
func registerManagers(config *handler.RegisterConfig) []handler.Manager {
	var managers []handler.Manager
	for _, register := range handler.Registers {
		manager := register(config)
		managers = append(managers, manager)
		klog.Infof("Registered manager: %s", manager.GetName())
	}
	return managers
}

// Register builds the ingest server engine.
func Register(config *handler.RegisterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if gin.Mode() == gin.DebugMode {
		r.Use(gin.Logger())
	}

	managers := registerManagers(config)

	root := &r.RouterGroup
	base := r.Group(config.Config.Ingest.BasePath)
	for _, mgr := range managers {
		mgr.RegisterPublic(root)
		mgr.RegisterAPI(base)
	}
	return r
}

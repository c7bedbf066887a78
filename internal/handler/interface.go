package handler

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/raids-lab/acqpipe/pkg/config"
	"github.com/raids-lab/acqpipe/pkg/ingest"
)

type Manager interface {
	GetName() string
	// RegisterPublic adds routes on the engine root, e.g. health and metrics.
	RegisterPublic(root *gin.RouterGroup)
	// RegisterAPI adds routes below the configured ingest base path.
	RegisterAPI(base *gin.RouterGroup)
}

// RegisterConfig carries what the managers need. DB may be nil when the
// ingest server runs without a store; managers that need it register nothing.
type RegisterConfig struct {
	Config *config.Config
	DB     *gorm.DB
	Stager *ingest.Stager
}

var Registers []func(*RegisterConfig) Manager

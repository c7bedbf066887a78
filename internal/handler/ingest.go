package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/raids-lab/acqpipe/internal/resputil"
	"github.com/raids-lab/acqpipe/pkg/ingest"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewIngestMgr)
}

type IngestMgr struct {
	name   string
	stager *ingest.Stager
}

func NewIngestMgr(conf *RegisterConfig) Manager {
	return &IngestMgr{
		name:   "ingest",
		stager: conf.Stager,
	}
}

func (mgr *IngestMgr) GetName() string { return mgr.name }

func (mgr *IngestMgr) RegisterPublic(_ *gin.RouterGroup) {}

func (mgr *IngestMgr) RegisterAPI(base *gin.RouterGroup) {
	base.PUT("/:name", mgr.PutArchive)
}

type PutArchiveResp struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// PutArchive stores the request body as a staged archive.
// PUT <base>/:name?md5=<hex>, Content-Type application/octet-stream
func (mgr *IngestMgr) PutArchive(c *gin.Context) {
	name := c.Param("name")
	n, err := mgr.stager.Deposit(name, c.Query("md5"), c.Request.Body)
	switch {
	case err == nil:
		resputil.Success(c, PutArchiveResp{Name: name, Size: n})
	case errors.Is(err, ingest.ErrIntegrity):
		resputil.Error(c, err.Error(), resputil.IntegrityMismatch)
	case errors.Is(err, ingest.ErrBadRequest):
		resputil.Error(c, err.Error(), resputil.InvalidRequest)
	default:
		resputil.Error(c, err.Error(), resputil.StorageFailure)
	}
}

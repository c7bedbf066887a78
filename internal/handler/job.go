package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/utils/clock"

	"github.com/raids-lab/acqpipe/dao/model"
	"github.com/raids-lab/acqpipe/internal/resputil"
	"github.com/raids-lab/acqpipe/pkg/db/job"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewJobMgr)
}

type JobMgr struct {
	name       string
	jobService job.DBService
}

func NewJobMgr(conf *RegisterConfig) Manager {
	mgr := &JobMgr{name: "job"}
	if conf.DB != nil {
		mgr.jobService = job.NewDBService(conf.DB, clock.RealClock{})
	}
	return mgr
}

func (mgr *JobMgr) GetName() string { return mgr.name }

func (mgr *JobMgr) RegisterPublic(_ *gin.RouterGroup) {}

func (mgr *JobMgr) RegisterAPI(base *gin.RouterGroup) {
	if mgr.jobService == nil {
		return
	}
	base.GET("/jobs", mgr.ListJobs)
}

type ListJobsReq struct {
	Status string `form:"status"`
	Limit  int    `form:"limit" binding:"min=0,max=1000"`
}

type JobResp struct {
	ID          uint          `json:"id"`
	ContainerID uint          `json:"containerID"`
	Task        model.JobTask `json:"task"`
	Status      string        `json:"status"`
	NeedsRerun  bool          `json:"needsRerun"`
	Activity    string        `json:"activity"`
	Owner       string        `json:"owner"`
	Timestamp   time.Time     `json:"timestamp"`
}

const defaultJobListLimit = 100

// ListJobs shows jobs newest first for operators.
// GET <base>/jobs?status=<pending|running|done|failed|abandoned>&limit=<n>
func (mgr *JobMgr) ListJobs(c *gin.Context) {
	var req ListJobsReq
	if err := c.ShouldBindQuery(&req); err != nil {
		resputil.Error(c, err.Error(), resputil.InvalidRequest)
		return
	}
	var status model.JobStatus
	if req.Status != "" {
		if status = model.ParseJobStatus(req.Status); status == 0 {
			resputil.Error(c, "unknown job status "+req.Status, resputil.InvalidRequest)
			return
		}
	}
	if req.Limit == 0 {
		req.Limit = defaultJobListLimit
	}

	jobs, err := mgr.jobService.List(c, status, req.Limit)
	if err != nil {
		resputil.Error(c, err.Error(), resputil.NotSpecified)
		return
	}
	resp := make([]JobResp, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, JobResp{
			ID:          jobs[i].ID,
			ContainerID: jobs[i].ContainerID,
			Task:        jobs[i].Task,
			Status:      jobs[i].Status.String(),
			NeedsRerun:  jobs[i].NeedsRerun,
			Activity:    jobs[i].Activity,
			Owner:       jobs[i].Owner,
			Timestamp:   jobs[i].Timestamp,
		})
	}
	resputil.Success(c, resp)
}

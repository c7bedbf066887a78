// 定义与数据库表字段对应的常量
// Enumerations stored as integers start at iota + 1 so that the zero value
// never collides with a valid state and can be rejected by binding.
package model

// GroupRole is the role of a user inside a research group.
type GroupRole string

const (
	GroupRolePI      GroupRole = "pi"
	GroupRoleManager GroupRole = "manager"
	GroupRoleMember  GroupRole = "member"
)

// Privilege a user holds on an experiment.
type Privilege uint8

const (
	PrivilegeAnonRead  Privilege = iota + 1 // Anonymized read
	PrivilegeReadOnly                       // Read-only
	PrivilegeReadWrite                      // Read-write
	PrivilegeManage                         // Manage access of others
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeAnonRead:
		return "anon-read"
	case PrivilegeReadOnly:
		return "read-only"
	case PrivilegeReadWrite:
		return "read-write"
	case PrivilegeManage:
		return "manage"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four defined privileges.
func (p Privilege) Valid() bool {
	return p >= PrivilegeAnonRead && p <= PrivilegeManage
}

// ContainerType distinguishes the two kinds of data containers.
type ContainerType string

const (
	ContainerSession ContainerType = "session"
	ContainerEpoch   ContainerType = "epoch"
)

// DatasetKind is the role a dataset plays inside its container.
type DatasetKind string

const (
	KindPrimary    DatasetKind = "primary"
	KindSecondary  DatasetKind = "secondary"
	KindPeripheral DatasetKind = "peripheral"
	KindDerived    DatasetKind = "derived"
	KindQA         DatasetKind = "qa"
	KindWeb        DatasetKind = "web"
)

// Well known dataset file types.
const (
	FiletypeDICOM  = "dicom"
	FiletypePFile  = "pfile"
	FiletypeNIfTI  = "nifti"
	FiletypePhysio = "physio"
	FiletypeBitmap = "bitmap"
	FiletypeImgPyr = "img_pyr"
	FiletypeJSON   = "json"
)

// JobTask is the unit of work a job performs.
type JobTask string

const (
	TaskFind        JobTask = "find"
	TaskProcess     JobTask = "process"
	TaskFindProcess JobTask = "find+process"
)

// Job status
type JobStatus uint8

const (
	JobPending   JobStatus = iota + 1 // waiting for a worker
	JobRunning                        // claimed by a worker
	JobDone                           // finished successfully
	JobFailed                         // processor reported an error
	JobAbandoned                      // processor aborted, never retried automatically
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	case JobAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// ParseJobStatus converts the textual form back, returning 0 when unknown.
func ParseJobStatus(s string) JobStatus {
	for _, st := range []JobStatus{JobPending, JobRunning, JobDone, JobFailed, JobAbandoned} {
		if st.String() == s {
			return st
		}
	}
	return 0
}

// UnknownGroup owns every experiment whose patient-id could not be matched to a lab.
const UnknownGroup = "unknown"

package hierarchy

import (
	"strings"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/raids-lab/acqpipe/dao/model"
	"github.com/raids-lab/acqpipe/pkg/util"
)

// PatientID is the parsed form of group/experiment@subject.
type PatientID struct {
	Group      string
	Experiment string
	Subject    string
}

func ParsePatientID(pid string) PatientID {
	pid = strings.TrimSpace(pid)
	var p PatientID
	rest := pid
	if i := strings.LastIndexByte(pid, '@'); i >= 0 {
		rest, p.Subject = pid[:i], strings.TrimSpace(pid[i+1:])
	}
	if g, e, ok := strings.Cut(rest, "/"); ok {
		p.Group = strings.ToLower(strings.TrimSpace(g))
		p.Experiment = strings.TrimSpace(e)
	}
	return p
}

// resolveGroup picks the owning group and experiment name for a patient id.
// The group part is matched fuzzily against the groups in the store and the
// configured ones; a configured group missing from the store is created.
// Anything else lands in the unknown group with the whole patient id as the
// experiment name.
func (s *service) resolveGroup(tx *gorm.DB, pid string) (*model.Group, string, error) {
	p := ParsePatientID(pid)
	if p.Group != "" && p.Experiment != "" {
		var stored []string
		if err := tx.Model(&model.Group{}).Pluck("gid", &stored).Error; err != nil {
			return nil, "", err
		}
		candidates := lo.Without(lo.Uniq(append(stored, s.knownGroups...)), model.UnknownGroup)
		if match, score, ok := util.CloseMatch(p.Group, candidates, util.DefaultMatchCutoff); ok {
			group, err := s.findOrCreateGroup(tx, match)
			if err != nil {
				return nil, "", err
			}
			if match != p.Group {
				s.log.V(1).Info("group matched fuzzily", "patient", pid, "group", match, "score", score)
			}
			return group, p.Experiment, nil
		}
	}

	group, err := s.findOrCreateGroup(tx, model.UnknownGroup)
	if err != nil {
		return nil, "", err
	}
	name := strings.TrimSpace(pid)
	if name == "" {
		name = model.UnknownGroup
	}
	return group, name, nil
}

func (s *service) findOrCreateGroup(tx *gorm.DB, gid string) (*model.Group, error) {
	group := &model.Group{}
	err := tx.Where(model.Group{GID: gid}).Attrs(model.Group{Name: gid}).FirstOrCreate(group).Error
	if err != nil {
		return nil, err
	}
	return group, nil
}

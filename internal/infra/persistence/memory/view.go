package memory

import (
	"sort"
	"strings"

	"studycore/pkg/domain"
)

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) ListContainers() []domain.Container {
	out := make([]domain.Container, 0, len(v.state.containers))
	for _, c := range v.state.containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (v transactionView) ListStudies() []domain.Study {
	out := make([]domain.Study, 0, len(v.state.studies))
	for _, s := range v.state.studies {
		out = append(out, cloneStudy(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListDatasets returns a study's definitions ordered by dataset id.
func (v transactionView) ListDatasets(studyID string) []domain.DatasetDefinition {
	var out []domain.DatasetDefinition
	for _, d := range v.state.datasets {
		if d.StudyID == studyID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatasetID < out[j].DatasetID })
	return out
}

// ListRows returns a dataset's rows ordered by identity.
func (v transactionView) ListRows(studyID string, datasetID int) []domain.Row {
	prefix := rowPrefix(studyID, datasetID)
	var out []domain.Row
	for k, r := range v.state.rows {
		if strings.HasPrefix(k, prefix) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (v transactionView) ListVisits(studyID string) []domain.Visit {
	var out []domain.Visit
	for _, visit := range v.state.visits {
		if visit.StudyID == studyID {
			out = append(out, cloneVisit(visit))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceMin != out[j].SequenceMin {
			return out[i].SequenceMin < out[j].SequenceMin
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v transactionView) ListCohorts(studyID string) []domain.Cohort {
	var out []domain.Cohort
	for _, c := range v.state.cohorts {
		if c.StudyID == studyID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func (v transactionView) ListQCStates(studyID string) []domain.QCState {
	var out []domain.QCState
	for _, q := range v.state.qcStates {
		if q.StudyID == studyID {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func (v transactionView) ListParticipants(studyID string) []domain.Participant {
	var out []domain.Participant
	for _, p := range v.state.participants {
		if p.StudyID == studyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// ListParticipantVisits returns the index entries for a study across all datasets.
func (v transactionView) ListParticipantVisits(studyID string) []domain.ParticipantVisit {
	var out []domain.ParticipantVisit
	for _, entries := range v.state.participantVisits {
		for _, pv := range entries {
			if pv.StudyID == studyID {
				out = append(out, pv)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DatasetID != b.DatasetID {
			return a.DatasetID < b.DatasetID
		}
		if a.ParticipantID != b.ParticipantID {
			return a.ParticipantID < b.ParticipantID
		}
		return a.SequenceNum < b.SequenceNum
	})
	return out
}

func (v transactionView) FindContainer(id string) (domain.Container, bool) {
	c, ok := v.state.containers[id]
	return c, ok
}

func (v transactionView) FindContainerByPath(path string) (domain.Container, bool) {
	path = NormalizePath(path)
	for _, c := range v.state.containers {
		if c.Path == path {
			return c, true
		}
	}
	return domain.Container{}, false
}

func (v transactionView) FindStudy(id string) (domain.Study, bool) {
	s, ok := v.state.studies[id]
	if !ok {
		return domain.Study{}, false
	}
	return cloneStudy(s), true
}

func (v transactionView) FindStudyByContainer(containerID string) (domain.Study, bool) {
	for _, s := range v.state.studies {
		if s.ContainerID == containerID {
			return cloneStudy(s), true
		}
	}
	return domain.Study{}, false
}

func (v transactionView) FindDataset(studyID string, datasetID int) (domain.DatasetDefinition, bool) {
	d, ok := v.state.datasets[datasetKey(studyID, datasetID)]
	if !ok {
		return domain.DatasetDefinition{}, false
	}
	return d.Clone(), true
}

// FindDatasetByName matches names case-insensitively.
func (v transactionView) FindDatasetByName(studyID, name string) (domain.DatasetDefinition, bool) {
	for _, d := range v.state.datasets {
		if d.StudyID == studyID && strings.EqualFold(d.Name, name) {
			return d.Clone(), true
		}
	}
	return domain.DatasetDefinition{}, false
}

func (v transactionView) FindRow(studyID string, datasetID int, id domain.Identity) (domain.Row, bool) {
	r, ok := v.state.rows[rowKey(studyID, datasetID, id)]
	if !ok {
		return domain.Row{}, false
	}
	return r.Clone(), true
}

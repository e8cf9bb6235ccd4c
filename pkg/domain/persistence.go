package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView

	CreateContainer(Container) (Container, error)
	CreateStudy(Study) (Study, error)
	UpdateStudy(id string, mutator func(*Study) error) (Study, error)

	CreateDataset(DatasetDefinition) (DatasetDefinition, error)
	UpdateDataset(studyID string, datasetID int, mutator func(*DatasetDefinition) error) (DatasetDefinition, error)
	DeleteDataset(studyID string, datasetID int) error

	InsertRow(Row) (Row, error)
	DeleteRow(studyID string, datasetID int, id Identity) error

	CreateVisit(Visit) (Visit, error)
	CreateCohort(Cohort) (Cohort, error)
	CreateQCState(QCState) (QCState, error)
	UpsertParticipant(Participant) (Participant, error)
	ReplaceParticipantVisits(studyID string, datasetID int, entries []ParticipantVisit) error

	FindContainerByPath(path string) (Container, bool)
	FindStudy(id string) (Study, bool)
	FindStudyByContainer(containerID string) (Study, bool)
	FindDataset(studyID string, datasetID int) (DatasetDefinition, bool)
	FindRow(studyID string, datasetID int, id Identity) (Row, bool)
	ListRows(studyID string, datasetID int) []Row
}

// TransactionView provides read-only access to a consistent snapshot of state.
type TransactionView interface {
	ListContainers() []Container
	ListStudies() []Study
	ListDatasets(studyID string) []DatasetDefinition
	ListRows(studyID string, datasetID int) []Row
	ListVisits(studyID string) []Visit
	ListCohorts(studyID string) []Cohort
	ListQCStates(studyID string) []QCState
	ListParticipants(studyID string) []Participant
	ListParticipantVisits(studyID string) []ParticipantVisit
	FindContainer(id string) (Container, bool)
	FindContainerByPath(path string) (Container, bool)
	FindStudy(id string) (Study, bool)
	FindStudyByContainer(containerID string) (Study, bool)
	FindDataset(studyID string, datasetID int) (DatasetDefinition, bool)
	FindDatasetByName(studyID, name string) (DatasetDefinition, bool)
	FindRow(studyID string, datasetID int, id Identity) (Row, bool)
}

// PersistentStore abstracts the persistence backend used by the engine.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}

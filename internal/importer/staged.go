package importer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"studycore/internal/blob/core"
	"studycore/internal/identity"
	"studycore/internal/schema"
	"studycore/pkg/domain"
)

// ErrNoBlobStore is returned by staged operations on a pipeline built
// without WithBlobStore.
var ErrNoBlobStore = errors.New("importer: no blob store configured")

// StagedRequest imports a previously staged artifact.
type StagedRequest struct {
	StudyID   string
	Dataset   schema.DatasetRef
	Key       string
	ColumnMap map[string]string
	Policy    identity.DuplicatePolicy
	QCStateID *string
}

// StageArtifact stores r under a fresh key for a later ImportStaged call.
func (p *Pipeline) StageArtifact(ctx context.Context, studyID string, datasetID int, r io.Reader) (core.Info, error) {
	if p.blobs == nil {
		return core.Info{}, ErrNoBlobStore
	}
	key := fmt.Sprintf("staged/%s/%d/%s.tsv", studyID, datasetID, uuid.NewString())
	info, err := p.blobs.Put(ctx, key, r, core.PutOptions{
		ContentType: "text/tab-separated-values",
		Metadata:    map[string]string{"study": studyID, "dataset": fmt.Sprint(datasetID)},
	})
	if err != nil {
		return core.Info{}, domain.WrapStorage("stage artifact", err)
	}
	p.log.Infow("artifact staged", "study", studyID, "dataset", datasetID, "key", key, "size", info.Size)
	return info, nil
}

// ImportStaged imports the artifact at req.Key. The artifact is deleted
// after a committed import and kept otherwise.
func (p *Pipeline) ImportStaged(ctx context.Context, req StagedRequest) (domain.ImportOutcome, error) {
	if p.blobs == nil {
		return domain.ImportOutcome{}, ErrNoBlobStore
	}
	_, rc, err := p.blobs.Get(ctx, req.Key)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return domain.ImportOutcome{Messages: []string{fmt.Sprintf("Staged file '%s' does not exist.", req.Key)}}, nil
		}
		return domain.ImportOutcome{}, domain.WrapStorage("open staged artifact", err)
	}
	defer rc.Close()

	outcome, err := p.Import(ctx, Request{
		StudyID:   req.StudyID,
		Dataset:   req.Dataset,
		Data:      rc,
		ColumnMap: req.ColumnMap,
		Policy:    req.Policy,
		QCStateID: req.QCStateID,
	})
	if err != nil || !outcome.Complete {
		return outcome, err
	}
	if _, err := p.blobs.Delete(ctx, req.Key); err != nil {
		p.log.Warnw("staged artifact not removed", "key", req.Key, "error", err)
	}
	return outcome, nil
}

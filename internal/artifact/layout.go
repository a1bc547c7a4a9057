package artifact

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/renderexpo/studio-backend/internal/domain"
)

// MetaFileName is the per-job metadata document stored next to the stage artifacts.
const MetaFileName = "meta.json"

const dateLayout = "2006-01-02"

// NewJobID returns a fresh UUIDv7 job id and its embedded creation time.
func NewJobID() (string, time.Time, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate job id: %w", err)
	}
	return id.String(), idTime(id), nil
}

// JobTime returns the creation instant embedded in a UUIDv7 job id.
func JobTime(jobID string) (time.Time, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid job id %q: %w", jobID, err)
	}
	if id.Version() != 7 {
		return time.Time{}, fmt.Errorf("invalid job id %q: want UUID version 7, got %d", jobID, id.Version())
	}
	return idTime(id), nil
}

func idTime(id uuid.UUID) time.Time {
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}

// JobDir returns "{date}/{job_id}", relative to the outputs root.
func JobDir(jobID string) (string, error) {
	t, err := JobTime(jobID)
	if err != nil {
		return "", err
	}
	return path.Join(t.Format(dateLayout), jobID), nil
}

// RelativePath returns "{date}/{job_id}/{stage}.{ext}". It only depends on its
// arguments, so every process derives the same location without a lookup.
func RelativePath(jobID, stage string) (string, error) {
	if stage == "" || strings.ContainsAny(stage, `/\.`) {
		return "", fmt.Errorf("invalid stage name %q", stage)
	}
	dir, err := JobDir(jobID)
	if err != nil {
		return "", err
	}
	return path.Join(dir, stage+"."+domain.StageExtension(stage)), nil
}

// MetaPath returns "{date}/{job_id}/meta.json".
func MetaPath(jobID string) (string, error) {
	dir, err := JobDir(jobID)
	if err != nil {
		return "", err
	}
	return path.Join(dir, MetaFileName), nil
}

// ContentType returns the MIME type served for an artifact kind.
func ContentType(kind domain.ContentKind) string {
	switch kind {
	case domain.KindVideo:
		return "video/mp4"
	case domain.KindMetadata:
		return "application/json"
	default:
		return "image/png"
	}
}

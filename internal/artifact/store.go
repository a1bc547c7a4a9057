package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/renderexpo/studio-backend/internal/domain"
)

// UploadExtensions lists the file types accepted as caller supplied input images.
var UploadExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// Mirror receives a copy of every artifact under the same relative key.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Store persists stage artifacts and meta.json under the outputs root and resolves
// caller uploads under the uploads root. Stage artifacts are write-once.
type Store struct {
	outputsRoot string
	uploadsRoot string
	mirror      Mirror
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMirror uploads every artifact and meta.json to m after the local write.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithLogger sets the logger used for mirror failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates both roots if needed.
func NewStore(outputsRoot, uploadsRoot string, opts ...Option) (*Store, error) {
	outputsRoot = strings.TrimSpace(outputsRoot)
	uploadsRoot = strings.TrimSpace(uploadsRoot)
	if outputsRoot == "" {
		return nil, errors.New("artifact: outputs root is required")
	}
	if uploadsRoot == "" {
		return nil, errors.New("artifact: uploads root is required")
	}
	for _, dir := range []string{outputsRoot, uploadsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("artifact: ensure root %s: %w", dir, err)
		}
	}

	s := &Store{
		outputsRoot: outputsRoot,
		uploadsRoot: uploadsRoot,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OutputsRoot returns the configured outputs directory.
func (s *Store) OutputsRoot() string { return s.outputsRoot }

// WriteArtifact stores the output of stage for jobID at its derived path and returns
// the reference to record. A second write to the same path fails with
// domain.ErrArtifactExists and leaves the first file untouched.
func (s *Store) WriteArtifact(ctx context.Context, jobID, stage string, kind domain.ContentKind, data []byte) (domain.ArtifactReference, error) {
	if err := ctx.Err(); err != nil {
		return domain.ArtifactReference{}, err
	}
	rel, err := RelativePath(jobID, stage)
	if err != nil {
		return domain.ArtifactReference{}, err
	}
	full := filepath.Join(s.outputsRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return domain.ArtifactReference{}, fmt.Errorf("artifact: ensure job directory: %w", err)
	}

	tmp, err := writeTemp(filepath.Dir(full), stage, data)
	if err != nil {
		return domain.ArtifactReference{}, err
	}
	defer os.Remove(tmp)

	// Link fails when the target exists, unlike rename.
	if err := os.Link(tmp, full); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return domain.ArtifactReference{}, fmt.Errorf("%w: %s", domain.ErrArtifactExists, rel)
		}
		return domain.ArtifactReference{}, fmt.Errorf("artifact: publish %s: %w", rel, err)
	}

	sum := sha256.Sum256(data)
	ref := domain.ArtifactReference{
		JobID:        jobID,
		StageName:    stage,
		RelativePath: rel,
		ContentKind:  kind,
		SizeBytes:    int64(len(data)),
		SHA256:       hex.EncodeToString(sum[:]),
	}
	s.mirrorPut(ctx, rel, data, ContentType(kind))
	return ref, nil
}

// WriteMeta replaces meta.json of the job atomically.
func (s *Store) WriteMeta(ctx context.Context, rec *domain.JobRecord) error {
	rel, err := MetaPath(rec.JobID)
	if err != nil {
		return err
	}
	data, err := rec.MarshalMeta()
	if err != nil {
		return fmt.Errorf("artifact: encode meta: %w", err)
	}
	full := filepath.Join(s.outputsRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("artifact: ensure job directory: %w", err)
	}

	tmp, err := writeTemp(filepath.Dir(full), "meta", data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("artifact: replace meta: %w", err)
	}
	s.mirrorPut(ctx, rel, data, "application/json")
	return nil
}

// ReadMeta loads meta.json of the job.
func (s *Store) ReadMeta(jobID string) (domain.Meta, error) {
	var meta domain.Meta
	rel, err := MetaPath(jobID)
	if err != nil {
		return meta, err
	}
	data, err := os.ReadFile(filepath.Join(s.outputsRoot, filepath.FromSlash(rel)))
	if err != nil {
		return meta, fmt.Errorf("artifact: read meta: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("artifact: decode meta: %w", err)
	}
	return meta, nil
}

// Path returns the absolute file path of ref. Job inputs live under the uploads root.
func (s *Store) Path(ref domain.ArtifactReference) (string, error) {
	root := s.outputsRoot
	if ref.StageName == domain.InputStage {
		root = s.uploadsRoot
	}
	clean, err := sanitizeKey(ref.RelativePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// Read returns the content of ref.
func (s *Store) Read(ctx context.Context, ref domain.ArtifactReference) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	if ref.StageName == domain.InputStage {
		// The upload may have been swapped for a link since it was resolved.
		if p, err = confine(s.uploadsRoot, p); err != nil {
			return nil, fmt.Errorf("artifact: read %s: %w", ref.RelativePath, err)
		}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", ref.RelativePath, err)
	}
	return data, nil
}

// ResolveUpload validates a caller supplied input image name and returns its reference.
// The file must exist under the uploads root and carry an accepted extension.
func (s *Store) ResolveUpload(name string) (domain.ArtifactReference, error) {
	clean, err := sanitizeKey(name)
	if err != nil {
		return domain.ArtifactReference{}, domain.NewValidationError(domain.ParamInputImage, "must be a path inside the uploads directory")
	}
	ext := strings.ToLower(filepath.Ext(clean))
	accepted := false
	for _, e := range UploadExtensions {
		if ext == e {
			accepted = true
			break
		}
	}
	if !accepted {
		return domain.ArtifactReference{}, domain.NewValidationError(domain.ParamInputImage,
			fmt.Sprintf("unsupported file type %q (want one of %s)", ext, strings.Join(UploadExtensions, ", ")))
	}

	resolved, err := confine(s.uploadsRoot, filepath.Join(s.uploadsRoot, filepath.FromSlash(clean)))
	if errors.Is(err, errOutsideRoot) {
		return domain.ArtifactReference{}, domain.NewValidationError(domain.ParamInputImage, "must be a path inside the uploads directory")
	}
	if err != nil {
		return domain.ArtifactReference{}, domain.NewValidationError(domain.ParamInputImage, fmt.Sprintf("file %q not found", clean))
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return domain.ArtifactReference{}, domain.NewValidationError(domain.ParamInputImage, fmt.Sprintf("file %q not found", clean))
	}

	return domain.ArtifactReference{
		StageName:    domain.InputStage,
		RelativePath: clean,
		ContentKind:  domain.KindImage,
		SizeBytes:    info.Size(),
	}, nil
}

var errOutsideRoot = errors.New("path escapes its root")

// confine resolves every symlink in p and returns the real path when it still
// lies under root.
func confine(root, p string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(realRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideRoot
	}
	return resolved, nil
}

func (s *Store) mirrorPut(ctx context.Context, key string, data []byte, contentType string) {
	if s.mirror == nil {
		return
	}
	// The local file is authoritative; a failed mirror upload is logged only.
	if err := s.mirror.Put(ctx, key, data, contentType); err != nil {
		s.logger.Warn("Failed to mirror artifact",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func writeTemp(dir, prefix string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+prefix+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("artifact: create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("artifact: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("artifact: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("artifact: close temp file: %w", err)
	}
	return name, nil
}

// sanitizeKey normalizes a relative key and prevents escaping the root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("artifact: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("artifact: invalid key")
	}
	return cleaned, nil
}

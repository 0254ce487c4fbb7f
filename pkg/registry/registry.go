// Package registry tracks the audio artifacts produced by the
// personalization pipeline. Each generated file (brainwave bed, background
// music, spoken message, final mix) gets a metadata record in Firestore and
// its payload as an object in Cloud Storage; listening sessions link users
// to the final mixes they played.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind discriminates the artifact collections.
type Kind string

const (
	KindBrainwave Kind = "brainwave"
	KindMusic     Kind = "music"
	KindMessage   Kind = "message"
	KindFinal     Kind = "final"
)

// artifactCollections maps each kind to its Firestore collection.
var artifactCollections = map[Kind]string{
	KindBrainwave: "brainwave_audios",
	KindMusic:     "music_audios",
	KindMessage:   "message_audios",
	KindFinal:     "final_audios",
}

const sessionsCollection = "sessions"

// Artifact is the metadata record for one generated audio file.
type Artifact struct {
	ID     string `firestore:"id"`
	UserID string `firestore:"userId"`
	Kind   Kind   `firestore:"kind"`
	// Task is the personalization task the artifact was generated for
	// (e.g. "sleep", "focus"). Empty for task-independent artifacts.
	Task string `firestore:"task,omitempty"`
	// Properties carries kind-specific attributes such as wave type and
	// volume magnitude for brainwaves, or tone and emotion for messages.
	Properties map[string]string `firestore:"properties,omitempty"`
	// Components references the artifact IDs a final mix was built from.
	Components  map[string]string `firestore:"components,omitempty"`
	DurationSec float64           `firestore:"durationSec,omitempty"`
	ObjectName  string            `firestore:"objectName"`
	CreatedAt   time.Time         `firestore:"createdAt"`
}

// Session records one listening session and the final mix it played.
type Session struct {
	ID              string    `firestore:"id"`
	UserID          string    `firestore:"userId"`
	Task            string    `firestore:"task"`
	SessionType     string    `firestore:"sessionType"`
	FinalArtifactID string    `firestore:"finalArtifactId"`
	ScheduleID      string    `firestore:"scheduleId,omitempty"`
	CreatedAt       time.Time `firestore:"createdAt"`
}

// Config holds configuration for the artifact registry.
type Config struct {
	// ProjectID selects the GCP project. Empty disables the registry.
	ProjectID    string `env:"VOICECACHE_REGISTRY_PROJECT_ID"`
	Bucket       string `env:"VOICECACHE_REGISTRY_BUCKET"`
	ObjectPrefix string `env:"VOICECACHE_REGISTRY_OBJECT_PREFIX" envDefault:"audio"`
	// CollectionPrefix namespaces the Firestore collections, mainly for
	// emulator-backed tests.
	CollectionPrefix string        `env:"VOICECACHE_REGISTRY_COLLECTION_PREFIX"`
	RetentionAge     time.Duration `env:"VOICECACHE_REGISTRY_RETENTION_AGE" envDefault:"720h"`
}

// LoadConfig parses the registry configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry configuration: %w", err)
	}
	return &cfg, nil
}

// Registry stores artifact metadata in Firestore and payloads in GCS.
type Registry struct {
	fs        *firestore.Client
	gcs       GCSClient
	bucket    string
	prefix    string
	colPrefix string
	logger    zerolog.Logger
}

// New creates a registry over the provided clients. The lifecycles of both
// clients are managed by the caller.
func New(cfg *Config, fsClient *firestore.Client, gcsClient GCSClient, logger zerolog.Logger) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("registry config cannot be nil")
	}
	if fsClient == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &Registry{
		fs:        fsClient,
		gcs:       gcsClient,
		bucket:    cfg.Bucket,
		prefix:    cfg.ObjectPrefix,
		colPrefix: cfg.CollectionPrefix,
		logger:    logger.With().Str("component", "ArtifactRegistry").Logger(),
	}, nil
}

// SaveArtifactRequest describes one artifact to store.
type SaveArtifactRequest struct {
	UserID      string
	Kind        Kind
	Task        string
	Properties  map[string]string
	Components  map[string]string
	DurationSec float64
	// Payload is streamed to Cloud Storage.
	Payload io.Reader
}

// SaveArtifact uploads the payload and records the artifact's metadata. The
// payload lands at <prefix>/<userID>/<kind>/<uuid>.wav; if the metadata
// write fails, the uploaded object is removed again.
func (r *Registry) SaveArtifact(ctx context.Context, req SaveArtifactRequest) (*Artifact, error) {
	if req.UserID == "" {
		return nil, errors.New("artifact user ID is required")
	}
	if _, ok := artifactCollections[req.Kind]; !ok {
		return nil, fmt.Errorf("unknown artifact kind %q", req.Kind)
	}
	if req.Payload == nil {
		return nil, errors.New("artifact payload is required")
	}

	id := uuid.NewString()
	objectName := path.Join(r.prefix, req.UserID, string(req.Kind), id+".wav")

	objHandle := r.gcs.Bucket(r.bucket).Object(objectName)
	w := objHandle.NewWriter(ctx)
	bytesWritten, copyErr := io.Copy(w, req.Payload)
	closeErr := w.Close()
	if copyErr != nil {
		// Close may have committed a truncated object.
		r.removeObject(ctx, objHandle, objectName)
		return nil, fmt.Errorf("failed to stream payload to GCS object %s: %w", objectName, copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	artifact := &Artifact{
		ID:          id,
		UserID:      req.UserID,
		Kind:        req.Kind,
		Task:        req.Task,
		Properties:  req.Properties,
		Components:  req.Components,
		DurationSec: req.DurationSec,
		ObjectName:  objectName,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := r.artifacts(req.Kind).Doc(id).Create(ctx, artifact)
	if err != nil {
		// Do not leave an orphaned object behind.
		r.removeObject(ctx, objHandle, objectName)
		return nil, fmt.Errorf("failed to record artifact metadata: %w", err)
	}

	r.logger.Info().
		Str("artifact_id", id).
		Str("kind", string(req.Kind)).
		Str("object_name", objectName).
		Int64("bytes_written", bytesWritten).
		Msg("Stored audio artifact.")
	return artifact, nil
}

// Artifact returns an artifact's metadata by ID, or nil when it does not
// exist.
func (r *Registry) Artifact(ctx context.Context, kind Kind, id string) (*Artifact, error) {
	if _, ok := artifactCollections[kind]; !ok {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
	doc, err := r.artifacts(kind).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get artifact %s: %w", id, err)
	}
	var a Artifact
	if err := doc.DataTo(&a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", id, err)
	}
	return &a, nil
}

// LatestArtifact returns the most recent artifact of a kind for a user,
// optionally narrowed to one task. Requires the composite index on
// (userId, task, createdAt).
func (r *Registry) LatestArtifact(ctx context.Context, userID string, kind Kind, task string) (*Artifact, error) {
	if _, ok := artifactCollections[kind]; !ok {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
	q := r.artifacts(kind).Where("userId", "==", userID)
	if task != "" {
		q = q.Where("task", "==", task)
	}
	iter := q.OrderBy("createdAt", firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest %s artifact for user %s: %w", kind, userID, err)
	}
	var a Artifact
	if err := doc.DataTo(&a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &a, nil
}

// OpenPayload opens the artifact's audio payload for reading. The caller
// must close the reader.
func (r *Registry) OpenPayload(ctx context.Context, a *Artifact) (io.ReadCloser, error) {
	if a == nil || a.ObjectName == "" {
		return nil, errors.New("artifact has no stored payload")
	}
	reader, err := r.gcs.Bucket(r.bucket).Object(a.ObjectName).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload %s: %w", a.ObjectName, err)
	}
	return reader, nil
}

// CreateSessionRequest describes one listening session.
type CreateSessionRequest struct {
	UserID          string
	Task            string
	SessionType     string
	FinalArtifactID string
	ScheduleID      string
}

// CreateSession records a listening session linking the user to a final mix.
func (r *Registry) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	if req.UserID == "" {
		return nil, errors.New("session user ID is required")
	}

	session := &Session{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Task:            req.Task,
		SessionType:     req.SessionType,
		FinalArtifactID: req.FinalArtifactID,
		ScheduleID:      req.ScheduleID,
		CreatedAt:       time.Now().UTC(),
	}
	_, err := r.sessions().Doc(session.ID).Create(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	r.logger.Info().Str("session_id", session.ID).Str("user_id", req.UserID).Msg("Created listening session.")
	return session, nil
}

// Session returns a session by ID, or nil when it does not exist.
func (r *Registry) Session(ctx context.Context, id string) (*Session, error) {
	doc, err := r.sessions().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	var s Session
	if err := doc.DataTo(&s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &s, nil
}

// RecentSessions returns the user's most recent sessions, newest first.
// A non-positive limit means 10.
func (r *Registry) RecentSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 10
	}
	iter := r.sessions().
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var sessions []*Session
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
		}
		var s Session
		if err := doc.DataTo(&s); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// CleanupOlderThan removes artifacts and sessions created before the cutoff,
// deleting each artifact's GCS object alongside its metadata. Failures on
// individual entries are logged and skipped so one bad record cannot stall
// the retention sweep. It returns the number of records removed.
func (r *Registry) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	removed := 0

	for kind := range artifactCollections {
		n, err := r.cleanupArtifacts(ctx, kind, cutoff)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	iter := r.sessions().Where("createdAt", "<", cutoff).Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("failed to query expired sessions: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			r.logger.Warn().Err(err).Str("session_id", doc.Ref.ID).Msg("Failed to delete expired session.")
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("Retention sweep removed expired records.")
	}
	return removed, nil
}

// removeObject deletes an object best-effort after a failed save.
func (r *Registry) removeObject(ctx context.Context, obj GCSObjectHandle, objectName string) {
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		r.logger.Warn().Err(err).Str("object_name", objectName).Msg("Failed to remove object after failed save.")
	}
}

// cleanupArtifacts sweeps one artifact collection.
func (r *Registry) cleanupArtifacts(ctx context.Context, kind Kind, cutoff time.Time) (int, error) {
	iter := r.artifacts(kind).Where("createdAt", "<", cutoff).Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return removed, nil
		}
		if err != nil {
			return removed, fmt.Errorf("failed to query expired %s artifacts: %w", kind, err)
		}

		var a Artifact
		if err := doc.DataTo(&a); err == nil && a.ObjectName != "" {
			if err := r.gcs.Bucket(r.bucket).Object(a.ObjectName).Delete(ctx); err != nil {
				r.logger.Warn().Err(err).Str("object_name", a.ObjectName).Msg("Failed to delete expired artifact object.")
			}
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			r.logger.Warn().Err(err).Str("artifact_id", doc.Ref.ID).Msg("Failed to delete expired artifact metadata.")
			continue
		}
		removed++
	}
}

// Stats returns the record count of every registry collection.
func (r *Registry) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, len(artifactCollections)+1)
	for kind, name := range artifactCollections {
		n, err := r.countCollection(ctx, r.artifacts(kind))
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", name, err)
		}
		stats[name] = n
	}
	n, err := r.countCollection(ctx, r.sessions())
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	stats[sessionsCollection] = n
	return stats, nil
}

// countCollection counts documents with a keys-only scan.
func (r *Registry) countCollection(ctx context.Context, col *firestore.CollectionRef) (int64, error) {
	iter := col.Select().Documents(ctx)
	defer iter.Stop()

	var count int64
	for {
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		count++
	}
}

func (r *Registry) artifacts(kind Kind) *firestore.CollectionRef {
	return r.fs.Collection(r.colPrefix + artifactCollections[kind])
}

func (r *Registry) sessions() *firestore.CollectionRef {
	return r.fs.Collection(r.colPrefix + sessionsCollection)
}

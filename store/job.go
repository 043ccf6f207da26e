package store

import (
	"time"

	"github.com/reelgrab/reel-api/errors"
)

// Status is the lifecycle state of an acquisition job. Transitions between
// states go through Store.Transition exclusively; see the legal edges there.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is final. Terminal rows are immutable.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Options are the caller-supplied acquisition knobs, validated at submit time.
type Options struct {
	// Quality is "best", "worst" or a preferred height from the ladder
	// (144..2160). The extractor picks the highest available rendition at or
	// below the requested height.
	Quality      string `json:"quality,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	AudioOnly    bool   `json:"audio_only,omitempty"`

	IncludeSubtitles  bool     `json:"include_subtitles,omitempty"`
	SubtitleLanguages []string `json:"subtitle_languages,omitempty"`

	UseCredentials bool `json:"use_credentials,omitempty"`

	// CallbackURL receives a webhook when the job reaches a terminal status.
	CallbackURL string `json:"callback_url,omitempty"`
}

// Metadata holds the platform-reported fields, populated after extraction.
type Metadata struct {
	Title           string  `json:"title,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Uploader        string  `json:"uploader,omitempty"`
	UploadDate      string  `json:"upload_date,omitempty"`
	ViewCount       int64   `json:"view_count,omitempty"`
	LikeCount       int64   `json:"like_count,omitempty"`
}

const (
	ArtifactMedia     = "media"
	ArtifactSubtitle  = "subtitle"
	ArtifactThumbnail = "thumbnail"
	ArtifactMetadata  = "metadata"
)

// Artifact is one stored output of a job. URL is filled at read time from the
// storage layer and never persisted.
type Artifact struct {
	Type        string `json:"type"`
	Language    string `json:"language,omitempty"`
	StorageKey  string `json:"storage_key"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ErrorInfo is the caller-visible failure summary on failed rows.
type ErrorInfo struct {
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Job is the central entity of the service.
type Job struct {
	ID        string  `json:"id"`
	SourceURL string  `json:"source_url"`
	Caller    string  `json:"caller,omitempty"`
	Status    Status  `json:"status"`
	Progress  float64 `json:"progress"`
	Options   Options `json:"options"`

	Metadata  *Metadata  `json:"metadata,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	CancelRequested bool `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Artifact returns the first artifact of the given type, or nil.
func (j *Job) Artifact(artifactType string) *Artifact {
	for i := range j.Artifacts {
		if j.Artifacts[i].Type == artifactType {
			return &j.Artifacts[i]
		}
	}
	return nil
}

// SubtitleArtifact returns the subtitle artifact for lang, or nil.
func (j *Job) SubtitleArtifact(lang string) *Artifact {
	for i := range j.Artifacts {
		if j.Artifacts[i].Type == ArtifactSubtitle && j.Artifacts[i].Language == lang {
			return &j.Artifacts[i]
		}
	}
	return nil
}

func (j *Job) clone() *Job {
	out := *j
	if j.Metadata != nil {
		md := *j.Metadata
		out.Metadata = &md
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.Artifacts != nil {
		out.Artifacts = append([]Artifact(nil), j.Artifacts...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

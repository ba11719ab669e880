package models

import (
	"database/sql"
	"time"
)

// DefaultArtifactName is the remote name of the single backup artifact.
const DefaultArtifactName = "snapshot_database"

// Artifact is the metadata of a remote backup file
type Artifact struct {
	ID           string
	Name         string
	ModifiedTime time.Time
	Size         int64
}

// ArtifactMeta is sent along with the bytes on create and update
type ArtifactMeta struct {
	Name        string
	ContentType string
}

// JobKind identifies what a sync job does. The zero value is not a valid kind.
type JobKind int

const (
	JobBackup JobKind = iota + 1
	JobRestore
)

func (k JobKind) String() string {
	switch k {
	case JobBackup:
		return "backup"
	case JobRestore:
		return "restore"
	default:
		return "unknown"
	}
}

// JobState of a JobDescriptor
type JobState int

const (
	JobIdle JobState = iota
	JobRunning
)

func (s JobState) String() string {
	if s == JobRunning {
		return "running"
	}
	return "idle"
}

// JobDescriptor describes a requested backup or restore.
type JobDescriptor struct {
	Name  string
	Kind  JobKind
	State JobState
}

// Entry is a journal record kept in the local store
type Entry struct {
	ID        string
	Body      string
	Tags      RelationSnapshot
	Locations RelationSnapshot
	UpdatedAt time.Time
}

// RelationEntry is a tag or location attached to an entry. An invalid
// Content means "no content", which is not the same as an empty string.
type RelationEntry struct {
	Key     string
	Content sql.NullString
}

// RelationSnapshot is the complete relation set of one entry, keyed by
// RelationEntry.Key.
type RelationSnapshot map[string]sql.NullString

// Text returns content holding s.
func Text(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

// NoContent is the content of a relation without free text.
var NoContent = sql.NullString{}

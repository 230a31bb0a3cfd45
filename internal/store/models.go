package store

import "time"

// BuildRun records one offline database-build execution: ingest the hash
// corpus, prune with the definer, write the fingerprint database.
type BuildRun struct {
	ID                 string // UUID
	DBPath             string
	InputPath          string
	StartTime          time.Time
	EndTime            time.Time
	AppVersionsSeen    int
	AppVersionsDefined int
	ChecksumsSeen      int
	LinesSkipped       int
	Status             string // "running", "success", "failed"
	ErrorMessage       string
}

// DetectRun records one online detection execution: read observations
// against a built database and decide which app-versions are present.
type DetectRun struct {
	ID                   string // UUID
	DBPath               string
	ObservationsPath     string
	StartTime            time.Time
	EndTime              time.Time
	ObservationsRead     int
	AppVersionsFound     int
	AppVersionsDiscarded int
	Status               string // "running", "success", "failed"
	ErrorMessage         string
}

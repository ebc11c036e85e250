package snapshot

import (
	"os"
	"time"
)

// ArtifactStatus describes one artifact on disk.
type ArtifactStatus struct {
	Path         string    `json:"path"`
	Exists       bool      `json:"exists"`
	SizeBytes    int64     `json:"size_bytes"`
	ModTime      time.Time `json:"modified_at,omitempty"`
	BackupExists bool      `json:"backup_exists"`
}

// Status summarizes the files of a repository.
type Status struct {
	Vectors        ArtifactStatus `json:"vectors"`
	Metadata       ArtifactStatus `json:"metadata"`
	MetadataFormat string         `json:"metadata_format"`
	DiskUsageBytes int64          `json:"disk_usage_bytes"`
}

// Stat reports the artifacts without loading them.
func (r *Repository) Stat() (*Status, error) {
	vec, err := statArtifact(r.paths.Index)
	if err != nil {
		return nil, err
	}
	meta, err := statArtifact(r.paths.Metadata)
	if err != nil {
		return nil, err
	}
	usage, err := DiskUsageBytes(r.paths.Index, r.paths.Metadata,
		backupPath(r.paths.Index), backupPath(r.paths.Metadata))
	if err != nil {
		return nil, err
	}
	return &Status{Vectors: vec, Metadata: meta, MetadataFormat: r.codec.Format(), DiskUsageBytes: usage}, nil
}

func statArtifact(path string) (ArtifactStatus, error) {
	st := ArtifactStatus{Path: path}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		st.Exists = true
		st.SizeBytes = info.Size()
		st.ModTime = info.ModTime()
	case !os.IsNotExist(err):
		return st, err
	}
	st.BackupExists, err = exists(backupPath(path))
	return st, err
}

// DiskUsageBytes returns the total size in bytes of the given files.
// Missing paths contribute 0.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

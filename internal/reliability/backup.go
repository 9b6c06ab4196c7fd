// Package reliability snapshots the SQLite databases and ships them to
// S3-compatible object storage.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/events"
	"github.com/rs/zerolog"
)

const (
	archivePrefix   = "riskdesk-backup-"
	archiveSuffix   = ".tar.gz"
	timestampLayout = "2006-01-02-150405"
	metadataFile    = "backup-metadata.json"
)

// Snapshotter is a database that can write a consistent copy of itself
type Snapshotter interface {
	Name() string
	VacuumInto(ctx context.Context, dest string) error
}

// Emitter publishes backup events
type Emitter interface {
	Emit(module string, data events.EventData)
}

// Metadata is written into every archive
type Metadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one snapshot inside an archive
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo describes an uploaded archive
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService archives every database into one tar.gz and uploads it
type BackupService struct {
	store      ObjectStore
	databases  []Snapshotter
	emitter    Emitter
	clock      domain.Clock
	prefix     string
	retain     int
	stagingDir string
	mu         sync.Mutex
	log        zerolog.Logger
}

// NewBackupService creates a backup service. Archives are staged under
// dataDir and stored below prefix. retain is the number of archives Rotate keeps.
func NewBackupService(
	store ObjectStore,
	databases []Snapshotter,
	emitter Emitter,
	clock domain.Clock,
	dataDir, prefix string,
	retain int,
	log zerolog.Logger,
) *BackupService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if retain < 1 {
		retain = 1
	}
	return &BackupService{
		store:      store,
		databases:  databases,
		emitter:    emitter,
		clock:      clock,
		prefix:     strings.Trim(prefix, "/"),
		retain:     retain,
		stagingDir: filepath.Join(dataDir, "backup-staging"),
		log:        log.With().Str("service", "backup").Logger(),
	}
}

// BackupAll snapshots every database and uploads a single archive
func (s *BackupService) BackupAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.clock.Now().UTC()

	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(s.stagingDir)

	meta := Metadata{Timestamp: now, Databases: make([]DatabaseMetadata, 0, len(s.databases))}
	files := make([]string, 0, len(s.databases)+1)
	names := make([]string, 0, len(s.databases))

	for _, db := range s.databases {
		filename := db.Name() + ".db"
		dest := filepath.Join(s.stagingDir, filename)
		if err := db.VacuumInto(ctx, dest); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", db.Name(), err)
		}

		info, err := os.Stat(dest)
		if err != nil {
			return fmt.Errorf("failed to stat %s snapshot: %w", db.Name(), err)
		}
		sum, err := checksum(dest)
		if err != nil {
			return fmt.Errorf("failed to checksum %s snapshot: %w", db.Name(), err)
		}

		meta.Databases = append(meta.Databases, DatabaseMetadata{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  sum,
		})
		files = append(files, filename)
		names = append(names, db.Name())
	}

	if err := writeJSON(filepath.Join(s.stagingDir, metadataFile), meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, metadataFile)

	archiveName := archivePrefix + now.Format(timestampLayout) + archiveSuffix
	archivePath := filepath.Join(s.stagingDir, archiveName)
	if err := createArchive(archivePath, s.stagingDir, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	key := s.key(archiveName)
	if err := s.store.Upload(ctx, key, f); err != nil {
		return err
	}

	s.log.Info().
		Dur("duration", time.Since(start)).
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Strs("databases", names).
		Msg("Backup uploaded")

	if s.emitter != nil {
		s.emitter.Emit("backup", &events.BackupCompletedData{
			Database: strings.Join(names, ","),
			Key:      key,
			Bytes:    info.Size(),
		})
	}
	return nil
}

// List returns uploaded archives, newest first
func (s *BackupService) List(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, s.key(archivePrefix))
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		name := path.Base(obj.Key)
		if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
		ts, err := time.Parse(timestampLayout, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping backup with unparseable timestamp")
			continue
		}
		backups = append(backups, BackupInfo{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes all but the newest retain archives. Delete failures are
// logged and the remaining archives are still processed.
func (s *BackupService) Rotate(ctx context.Context) error {
	backups, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= s.retain {
		return nil
	}

	deleted := 0
	for _, b := range backups[s.retain:] {
		if err := s.store.Delete(ctx, b.Key); err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return nil
}

func (s *BackupService) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func checksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeJSON(p string, v interface{}) error {
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func createArchive(archivePath, dir string, files []string) (err error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, name := range files {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFile(tw *tar.Writer, p, name string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

package satchel

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SnapshotStore is an optional remote destination for backup archives
// (S3 or an S3-compatible service).
type SnapshotStore interface {
	// Write stores an archive under name.
	Write(ctx context.Context, name string, data []byte) error

	// Read loads an archive by name.
	Read(ctx context.Context, name string) ([]byte, error)

	// Delete removes an archive by name.
	Delete(ctx context.Context, name string) error

	// List returns the stored archive names.
	List(ctx context.Context) ([]string, error)
}

// BackupConfig configures snapshot operations.
type BackupConfig struct {
	// DestinationPath is the local directory for archives and the manifest.
	DestinationPath string

	// Remote is an optional remote snapshot store; archives are uploaded
	// there in addition to (or instead of) the local destination.
	Remote SnapshotStore

	// Compression enables gzip compression for archives.
	Compression bool

	// Encryption seals archives with AES-GCM when enabled.
	Encryption EncryptionConfig

	// RetentionCount is the number of snapshots to retain.
	RetentionCount int
}

// BackupRecord describes one snapshot.
type BackupRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
	Encrypted  bool      `json:"encrypted"`
	Salt       []byte    `json:"salt,omitempty"`
	Checksum   string    `json:"checksum"`
	EntryCount int       `json:"entry_count"`
	FilePath   string    `json:"file_path,omitempty"`
	RemoteName string    `json:"remote_name,omitempty"`
}

// BackupManifest tracks snapshot history.
type BackupManifest struct {
	LastBackup time.Time      `json:"last_backup"`
	Backups    []BackupRecord `json:"backups"`
}

// BackupResult contains the result of a snapshot operation.
type BackupResult struct {
	Record   BackupRecord
	Duration time.Duration
}

// snapshotArchive is the serialized snapshot payload.
type snapshotArchive struct {
	CreatedAt time.Time     `json:"created_at"`
	Entries   []StoredEntry `json:"entries"`
}

// BackupManager creates and restores whole-store snapshots. Archives are
// checksum-stamped (sha256) and verified before any restore touches the
// backend.
type BackupManager struct {
	backend  Backend
	store    *Store
	checksum *ChecksumEngine
	config   BackupConfig

	mu       sync.Mutex
	manifest *BackupManifest
}

// NewBackupManager creates a backup manager.
func NewBackupManager(backend Backend, store *Store, config BackupConfig) (*BackupManager, error) {
	if config.DestinationPath == "" && config.Remote == nil {
		return nil, errors.New("backup destination or remote snapshot store required")
	}
	if config.RetentionCount <= 0 {
		config.RetentionCount = 10
	}

	bm := &BackupManager{
		backend:  backend,
		store:    store,
		checksum: NewChecksumEngine(ChecksumSHA256),
		config:   config,
		manifest: &BackupManifest{Backups: make([]BackupRecord, 0)},
	}

	if err := bm.loadManifest(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load manifest: %w", err)
		}
	}
	return bm, nil
}

// Create snapshots every stored entry into one archive.
func (bm *BackupManager) Create(ctx context.Context) (*BackupResult, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	start := time.Now()
	entries, err := bm.backend.ListEntries(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("snapshot entries: %w", err)
	}

	payload, err := json.Marshal(snapshotArchive{CreatedAt: start.UTC(), Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	record := BackupRecord{
		ID:         "snap_" + uuid.NewString(),
		Timestamp:  start.UTC(),
		Compressed: bm.config.Compression,
		Encrypted:  bm.config.Encryption.Enabled,
		EntryCount: len(entries),
	}

	if bm.config.Compression {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(payload); err != nil {
			return nil, fmt.Errorf("compress snapshot: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("compress snapshot: %w", err)
		}
		payload = buf.Bytes()
	}

	if bm.config.Encryption.Enabled {
		enc, err := NewEncryptor(bm.config.Encryption)
		if err != nil {
			return nil, err
		}
		payload, err = enc.Encrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt snapshot: %w", err)
		}
		record.Salt = enc.Salt()
	}

	record.Size = int64(len(payload))
	record.Checksum = bm.checksum.Sum(payload)

	filename := record.ID + ".satchel"
	if bm.config.DestinationPath != "" {
		if err := os.MkdirAll(bm.config.DestinationPath, 0o755); err != nil {
			return nil, err
		}
		record.FilePath = filepath.Join(bm.config.DestinationPath, filename)
		if err := os.WriteFile(record.FilePath, payload, 0o644); err != nil {
			return nil, fmt.Errorf("write snapshot: %w", err)
		}
	}
	if bm.config.Remote != nil {
		record.RemoteName = filename
		if err := bm.config.Remote.Write(ctx, filename, payload); err != nil {
			return nil, fmt.Errorf("upload snapshot: %w", err)
		}
	}

	bm.manifest.Backups = append(bm.manifest.Backups, record)
	bm.manifest.LastBackup = record.Timestamp
	if err := bm.saveManifest(); err != nil {
		return nil, err
	}
	bm.enforceRetention(ctx)

	return &BackupResult{Record: record, Duration: time.Since(start)}, nil
}

// Restore replaces the backend contents with a snapshot. The archive's
// checksum is verified before anything is cleared; a mismatch is
// ErrBackupCorrupted and the current data is left intact.
func (bm *BackupManager) Restore(ctx context.Context, backupID string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	var record *BackupRecord
	for i := range bm.manifest.Backups {
		if bm.manifest.Backups[i].ID == backupID {
			record = &bm.manifest.Backups[i]
			break
		}
	}
	if record == nil {
		return fmt.Errorf("backup not found: %s", backupID)
	}

	payload, err := bm.readArchive(ctx, record)
	if err != nil {
		return err
	}
	if err := bm.checksum.Verify(payload, record.Checksum); err != nil {
		return fmt.Errorf("%w: snapshot %s: %v", ErrBackupCorrupted, record.ID, err)
	}

	if record.Encrypted {
		var enc *Encryptor
		if len(bm.config.Encryption.Key) > 0 {
			enc, err = NewEncryptor(EncryptionConfig{Enabled: true, Key: bm.config.Encryption.Key})
		} else {
			enc, err = NewEncryptorWithSalt(bm.config.Encryption.KeyPassword, record.Salt)
		}
		if err != nil {
			return err
		}
		payload, err = enc.Decrypt(payload)
		if err != nil {
			return fmt.Errorf("%w: decrypt snapshot %s: %v", ErrBackupCorrupted, record.ID, err)
		}
	}

	if record.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("%w: decompress snapshot %s: %v", ErrBackupCorrupted, record.ID, err)
		}
		payload, err = io.ReadAll(gz)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("%w: decompress snapshot %s: %v", ErrBackupCorrupted, record.ID, err)
		}
	}

	var archive snapshotArchive
	if err := json.Unmarshal(payload, &archive); err != nil {
		return fmt.Errorf("%w: decode snapshot %s: %v", ErrBackupCorrupted, record.ID, err)
	}

	if err := bm.backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset before restore: %w", err)
	}
	for _, entry := range archive.Entries {
		if _, err := bm.backend.CompareAndPutEntry(ctx, entry, -1); err != nil {
			return fmt.Errorf("restore entry %q: %w", entry.Key, err)
		}
	}
	if bm.store != nil {
		if err := bm.store.ReloadIndex(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RestoreLatest restores from the most recent snapshot.
func (bm *BackupManager) RestoreLatest(ctx context.Context) error {
	bm.mu.Lock()
	n := len(bm.manifest.Backups)
	var id string
	if n > 0 {
		id = bm.manifest.Backups[n-1].ID
	}
	bm.mu.Unlock()
	if id == "" {
		return errors.New("no backups exist")
	}
	return bm.Restore(ctx, id)
}

// List returns snapshot records, oldest first.
func (bm *BackupManager) List() []BackupRecord {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	out := append([]BackupRecord(nil), bm.manifest.Backups...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (bm *BackupManager) readArchive(ctx context.Context, record *BackupRecord) ([]byte, error) {
	if record.FilePath != "" {
		data, err := os.ReadFile(record.FilePath)
		if err == nil {
			return data, nil
		}
		if record.RemoteName == "" {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
	}
	if record.RemoteName != "" && bm.config.Remote != nil {
		return bm.config.Remote.Read(ctx, record.RemoteName)
	}
	return nil, fmt.Errorf("snapshot %s has no readable location", record.ID)
}

// enforceRetention drops the oldest snapshots beyond the retention count.
func (bm *BackupManager) enforceRetention(ctx context.Context) {
	if len(bm.manifest.Backups) <= bm.config.RetentionCount {
		return
	}
	excess := bm.manifest.Backups[:len(bm.manifest.Backups)-bm.config.RetentionCount]
	for _, record := range excess {
		if record.FilePath != "" {
			_ = os.Remove(record.FilePath)
		}
		if record.RemoteName != "" && bm.config.Remote != nil {
			_ = bm.config.Remote.Delete(ctx, record.RemoteName)
		}
	}
	bm.manifest.Backups = append([]BackupRecord(nil),
		bm.manifest.Backups[len(bm.manifest.Backups)-bm.config.RetentionCount:]...)
	_ = bm.saveManifest()
}

func (bm *BackupManager) manifestPath() string {
	return filepath.Join(bm.config.DestinationPath, "backups.json")
}

func (bm *BackupManager) loadManifest() error {
	if bm.config.DestinationPath == "" {
		return nil
	}
	data, err := os.ReadFile(bm.manifestPath())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, bm.manifest)
}

func (bm *BackupManager) saveManifest() error {
	if bm.config.DestinationPath == "" {
		return nil
	}
	if err := os.MkdirAll(bm.config.DestinationPath, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(bm.manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(bm.manifestPath(), data, 0o644)
}

// Package ota implements firmware distribution: a content-addressed
// firmware store and a per-device chunked update session state machine.
package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanmesh/hub/internal/security"
)

// FirmwareInfo describes one stored firmware image.
type FirmwareInfo struct {
	ID         string  `json:"id"`
	Version    string  `json:"version"`
	DeviceType string  `json:"device_type"`
	Size       int     `json:"size"`
	SHA256     string  `json:"sha256"`
	Filename   string  `json:"filename"`
	UploadedAt float64 `json:"uploaded_at"`
}

// FirmwareStore keeps firmware blobs in a directory next to a manifest
// JSON mapping id to FirmwareInfo.
type FirmwareStore struct {
	mu       sync.Mutex
	dir      string
	manifest map[string]*FirmwareInfo
	logger   *log.Logger
}

// NewFirmwareStore opens (or initialises) a store rooted at dir.
func NewFirmwareStore(dir string) (*FirmwareStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create firmware dir: %w", err)
	}
	s := &FirmwareStore{
		dir:      dir,
		manifest: make(map[string]*FirmwareInfo),
		logger:   log.New(log.Writer(), "[OTA] ", log.LstdFlags),
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FirmwareStore) manifestPath() string {
	return filepath.Join(s.dir, "manifest.json")
}

func (s *FirmwareStore) loadManifest() error {
	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load firmware manifest: %w", err)
	}
	if err := json.Unmarshal(data, &s.manifest); err != nil {
		return fmt.Errorf("parse firmware manifest: %w", err)
	}
	return nil
}

// saveManifest runs under the mutex.
func (s *FirmwareStore) saveManifest() {
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		s.logger.Printf("⚠️  marshal firmware manifest: %v", err)
		return
	}
	if err := security.WriteFileAtomic(s.manifestPath(), data, 0o644); err != nil {
		s.logger.Printf("⚠️  persist firmware manifest: %v", err)
	}
}

// AddFirmware stores a firmware image, computing size and sha256 and
// assigning a uuid when id is empty.
func (s *FirmwareStore) AddFirmware(id, version, deviceType string, data []byte) (*FirmwareInfo, error) {
	if id == "" {
		id = uuid.New().String()
	}
	sum := sha256.Sum256(data)
	filename := id + ".bin"
	if err := os.WriteFile(filepath.Join(s.dir, filename), data, 0o644); err != nil {
		return nil, fmt.Errorf("write firmware blob: %w", err)
	}

	info := &FirmwareInfo{
		ID:         id,
		Version:    version,
		DeviceType: deviceType,
		Size:       len(data),
		SHA256:     hex.EncodeToString(sum[:]),
		Filename:   filename,
		UploadedAt: float64(time.Now().UnixNano()) / 1e9,
	}

	s.mu.Lock()
	s.manifest[id] = info
	s.saveManifest()
	s.mu.Unlock()

	cp := *info
	return &cp, nil
}

// GetFirmware returns firmware metadata, nil when unknown.
func (s *FirmwareStore) GetFirmware(id string) *FirmwareInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.manifest[id]
	if !ok {
		return nil
	}
	cp := *info
	return &cp
}

// ListFirmware returns all firmware metadata sorted by id.
func (s *FirmwareStore) ListFirmware() []*FirmwareInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FirmwareInfo, 0, len(s.manifest))
	for _, info := range s.manifest {
		cp := *info
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReadChunk returns firmware[seq*size : seq*size+size], clamped at the
// end of the image. Out-of-range seq or unknown id returns an error.
func (s *FirmwareStore) ReadChunk(id string, seq, size int) ([]byte, error) {
	info := s.GetFirmware(id)
	if info == nil {
		return nil, fmt.Errorf("unknown firmware %s", id)
	}
	if info.Size == 0 && seq == 0 {
		return []byte{}, nil
	}
	if seq < 0 || size <= 0 || seq*size >= info.Size {
		return nil, fmt.Errorf("chunk %d out of range for firmware %s", seq, id)
	}

	f, err := os.Open(filepath.Join(s.dir, info.Filename))
	if err != nil {
		return nil, fmt.Errorf("open firmware blob: %w", err)
	}
	defer f.Close()

	end := (seq + 1) * size
	if end > info.Size {
		end = info.Size
	}
	buf := make([]byte, end-seq*size)
	if _, err := f.ReadAt(buf, int64(seq*size)); err != nil {
		return nil, fmt.Errorf("read firmware chunk: %w", err)
	}
	return buf, nil
}

// TotalChunks returns how many chunks of chunkSize cover size bytes. An
// empty image still transfers as one (empty) chunk.
func TotalChunks(size, chunkSize int) int {
	if chunkSize <= 0 {
		return 1
	}
	n := (size + chunkSize - 1) / chunkSize
	if n < 1 {
		return 1
	}
	return n
}

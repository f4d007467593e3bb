package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
)

// DefaultPollInterval is how often a file watcher re-reads the slot.
const DefaultPollInterval = 200 * time.Millisecond

// slotRecord is the persisted wire form of a published decision. seq orders
// writes from the watcher's point of view only and carries no delivery
// guarantee.
type slotRecord struct {
	Seq      uint64               `json:"seq"`
	Decision domain.BlockDecision `json:"decision"`
}

// FileChannel is the StateChannel used across the process/privilege
// boundary: the control CLI publishes into a file, the enforcement daemon
// watches it. Writes are atomic (temp file + rename) and serialized with an
// flock'd lock file so concurrent publishers cannot interleave.
type FileChannel struct {
	path         string
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewFileChannel creates a file-backed channel at path.
func NewFileChannel(path string, logger *zap.Logger) *FileChannel {
	return &FileChannel{
		path:         path,
		pollInterval: DefaultPollInterval,
		logger:       logger,
	}
}

// Publish replaces the slot file. A reader that misses intermediate writes
// observes only the newest decision, which is the intended semantics.
func (c *FileChannel) Publish(decision domain.BlockDecision) error {
	lockPath := c.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	rec, _ := c.read() // May not exist yet; start from seq 0.
	rec.Seq++
	rec.Decision = decision

	return c.atomicWrite(rec)
}

// Latest returns the slot contents. A missing or corrupt file reads as
// "no decision observed", which receivers treat as not blocking.
func (c *FileChannel) Latest() (domain.BlockDecision, bool, error) {
	rec, ok := c.read()
	if !ok {
		return domain.BlockDecision{}, false, nil
	}
	return rec.Decision, true, nil
}

// Watch polls the slot file and delivers each newly observed sequence.
func (c *FileChannel) Watch(ctx context.Context) (<-chan domain.BlockDecision, error) {
	out := make(chan domain.BlockDecision, 1)

	var lastSeq uint64
	if rec, ok := c.read(); ok {
		lastSeq = rec.Seq
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rec, ok := c.read()
				if !ok || rec.Seq == lastSeq {
					continue
				}
				lastSeq = rec.Seq
				// Single-slot: overwrite an undrained value.
				select {
				case <-out:
				default:
				}
				select {
				case out <- rec.Decision:
				default:
				}
			}
		}
	}()

	return out, nil
}

func (c *FileChannel) read() (slotRecord, bool) {
	var rec slotRecord

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read state channel file", zap.Error(err))
		}
		return rec, false
	}

	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("corrupt state channel file, treating as empty",
			zap.String("path", c.path),
			zap.Error(err))
		return slotRecord{}, false
	}
	return rec, true
}

// atomicWrite writes the slot file atomically (temp write + rename).
func (c *FileChannel) atomicWrite(rec slotRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".tagfence-chan-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()

	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, c.path)
}

// Ensure FileChannel implements domain.StateChannel.
var _ domain.StateChannel = (*FileChannel)(nil)

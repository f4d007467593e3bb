package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
)

// TagCapacityBytes is the usable payload capacity of the supported tags.
const TagCapacityBytes = 144

// ErrPayloadTooLarge is returned when a payload exceeds tag capacity.
var ErrPayloadTooLarge = errors.New("payload exceeds tag capacity")

// spoolPollInterval is how often the reader checks the spool for a
// presented tag.
const spoolPollInterval = 100 * time.Millisecond

// SpoolTransceiver implements domain.Transceiver against a spool file:
// reader hardware (or a simulator) drops a scanned payload into readPath,
// and writes land in writePath as the freshly written tag. At most one
// operation is in flight; starting a new one supersedes the previous, whose
// callback then never fires.
type SpoolTransceiver struct {
	readPath  string
	writePath string

	mu       sync.Mutex
	cancelOp context.CancelFunc
	logger   *zap.Logger
}

// NewSpoolTransceiver creates a transceiver over the given spool paths.
func NewSpoolTransceiver(readPath, writePath string, logger *zap.Logger) *SpoolTransceiver {
	return &SpoolTransceiver{
		readPath:  readPath,
		writePath: writePath,
		logger:    logger,
	}
}

// StartRead arms the reader; the next payload appearing in the spool is
// consumed and delivered to onPayload once, unless superseded first.
func (t *SpoolTransceiver) StartRead(ctx context.Context, onPayload func(payload string)) error {
	opCtx := t.beginOp(ctx)

	go func() {
		ticker := time.NewTicker(spoolPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-opCtx.Done():
				return
			case <-ticker.C:
				payload, ok := t.consumeSpool()
				if !ok {
					continue
				}
				select {
				case <-opCtx.Done():
					// Superseded after the tag was presented: discard.
					return
				default:
				}
				onPayload(payload)
				return
			}
		}
	}()

	return nil
}

// StartWrite writes payload to the tag target and reports the outcome to
// onResult. The callback never fires if the operation is superseded.
func (t *SpoolTransceiver) StartWrite(ctx context.Context, payload string, onResult func(err error)) error {
	if len(payload) > TagCapacityBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), TagCapacityBytes)
	}

	opCtx := t.beginOp(ctx)

	go func() {
		err := os.WriteFile(t.writePath, []byte(payload+"\n"), 0600)

		select {
		case <-opCtx.Done():
			return
		default:
		}
		onResult(err)
	}()

	return nil
}

// Cancel aborts any in-flight operation.
func (t *SpoolTransceiver) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelOp != nil {
		t.cancelOp()
		t.cancelOp = nil
	}
}

// beginOp supersedes the previous operation and returns the new one's
// context.
func (t *SpoolTransceiver) beginOp(ctx context.Context) context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelOp != nil {
		t.cancelOp()
	}
	opCtx, cancel := context.WithCancel(ctx)
	t.cancelOp = cancel
	return opCtx
}

// consumeSpool reads and clears the spool file. Returns ok=false when no
// payload is present.
func (t *SpoolTransceiver) consumeSpool() (string, bool) {
	data, err := os.ReadFile(t.readPath)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("failed to read tag spool", zap.Error(err))
		}
		return "", false
	}

	payload := strings.TrimSpace(string(data))
	if payload == "" {
		return "", false
	}

	if err := os.Remove(t.readPath); err != nil {
		t.logger.Warn("failed to consume tag spool", zap.Error(err))
	}
	return payload, true
}

// Ensure SpoolTransceiver implements domain.Transceiver.
var _ domain.Transceiver = (*SpoolTransceiver)(nil)

//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/channel"
	"github.com/tagfence/tagfence/internal/daemon"
	"github.com/tagfence/tagfence/internal/domain"
	"github.com/tagfence/tagfence/internal/infra"
	"github.com/tagfence/tagfence/internal/token"
	"github.com/tagfence/tagfence/internal/usecase"
)

// fakeForeground feeds scripted foreground-change events to the gate.
type fakeForeground struct {
	mu     sync.Mutex
	events chan string
	homes  int
}

func newFakeForeground() *fakeForeground {
	return &fakeForeground{events: make(chan string, 8)}
}

func (f *fakeForeground) Events(context.Context) (<-chan string, error) { return f.events, nil }
func (f *fakeForeground) Frontmost(time.Duration) (string, error)       { return "", nil }
func (f *fakeForeground) NavigateHome() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.homes++
	return nil
}
func (f *fakeForeground) homeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.homes
}

// fakeOverlay records overlay state transitions.
type fakeOverlay struct {
	mu         sync.Mutex
	visible    bool
	currentApp string
}

func (o *fakeOverlay) Show(appID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.visible = true
	o.currentApp = appID
	return nil
}

func (o *fakeOverlay) Remove() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.visible = false
	o.currentApp = ""
	return nil
}

func (o *fakeOverlay) Visible() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.visible
}

type grantedCaps struct{}

func (grantedCaps) IsAuthorized() domain.CapabilityState {
	return domain.CapabilityState{HasMonitoringAccess: true, HasOverlayAccess: true}
}
func (grantedCaps) RequestAuthorization() {}

var _ = Describe("Tag-driven blocking", func() {
	var (
		dataDir    string
		store      *infra.Store
		slot       *channel.Slot
		trx        *infra.SpoolTransceiver
		readerPath string
		auth       *usecase.Authenticator
		foreground *fakeForeground
		overlay    *fakeOverlay
		gate       *daemon.BlockGate
		gateCancel context.CancelFunc
		gateDone   chan error
		logger     *zap.Logger
	)

	// presentTag simulates holding a tag against the reader.
	presentTag := func(payload string) {
		Expect(os.WriteFile(readerPath, []byte(payload+"\n"), 0600)).To(Succeed())
	}

	nextEvent := func() domain.AuthEvent {
		var e domain.AuthEvent
		Eventually(auth.Events(), 3*time.Second).Should(Receive(&e))
		return e
	}

	BeforeEach(func() {
		dataDir = GinkgoT().TempDir()
		logger = zap.NewNop()

		key, err := infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		store, err = infra.NewStore(dataDir, key, logger)
		Expect(err).NotTo(HaveOccurred())

		// Make the seeded default profile block com.x.
		active, err := store.Active()
		Expect(err).NotTo(HaveOccurred())
		active.BlockedAppIDs = []string{"com.x"}
		Expect(store.Save(*active)).To(Succeed())

		readerPath = filepath.Join(dataDir, "reader.spool")
		trx = infra.NewSpoolTransceiver(readerPath, filepath.Join(dataDir, "tag.out"), logger)

		slot = channel.NewSlot()
		auth = usecase.NewAuthenticator(
			token.NewCodec(), store, store.TagRegistry(), store, slot, trx, grantedCaps{}, logger)

		foreground = newFakeForeground()
		overlay = &fakeOverlay{}
		gate = daemon.NewBlockGate(slot, foreground, overlay, logger)

		var gateCtx context.Context
		gateCtx, gateCancel = context.WithCancel(context.Background())
		gateDone = make(chan error, 1)
		go func() { gateDone <- gate.Run(gateCtx) }()
	})

	AfterEach(func() {
		gateCancel()
		Eventually(gateDone, 3*time.Second).Should(Receive())
		store.Close()
	})

	Context("scanning a valid tag with an active profile", func() {
		It("blocks, intercepts, and unblocks on the second scan", func() {
			By("toggling blocking on")
			Expect(auth.BeginScan(context.Background())).To(Succeed())
			presentTag("TAGFENCE-1724764800000-0042")
			Expect(nextEvent().Kind).To(Equal(domain.EventToggled))
			Expect(auth.IsBlocking()).To(BeTrue())

			By("propagating the decision to the enforcement plane")
			Eventually(func() bool {
				return gate.Decision().IsBlocking
			}, 3*time.Second).Should(BeTrue())
			Expect(gate.Decision().BlockedAppIDs).To(ConsistOf("com.x"))

			By("intercepting the blocked application")
			foreground.events <- "com.x"
			Eventually(overlay.Visible, 3*time.Second).Should(BeTrue())
			Eventually(foreground.homeCount, 3*time.Second).Should(BeNumerically(">=", 1))

			By("toggling blocking off with a second scan")
			Expect(auth.BeginScan(context.Background())).To(Succeed())
			presentTag("TAGFENCE-1724764800001-0043")
			Expect(nextEvent().Kind).To(Equal(domain.EventToggled))
			Expect(auth.IsBlocking()).To(BeFalse())

			Eventually(func() bool {
				return gate.Decision().IsBlocking
			}, 3*time.Second).Should(BeFalse())
			Expect(gate.Decision().BlockedAppIDs).To(BeEmpty())
			Expect(overlay.Visible()).To(BeFalse())

			By("leaving the formerly blocked application alone")
			homesBefore := foreground.homeCount()
			foreground.events <- "com.x"
			Consistently(overlay.Visible, 300*time.Millisecond).Should(BeFalse())
			Expect(foreground.homeCount()).To(Equal(homesBefore))
		})
	})

	Context("scanning an unrecognized tag", func() {
		It("emits wrong-tag and leaves the decision unchanged", func() {
			Expect(auth.BeginScan(context.Background())).To(Succeed())
			presentTag("NOT-A-TOKEN")

			Expect(nextEvent().Kind).To(Equal(domain.EventWrongTag))
			Expect(auth.IsBlocking()).To(BeFalse())

			_, published, err := slot.Latest()
			Expect(err).NotTo(HaveOccurred())
			Expect(published).To(BeFalse())
		})
	})

	Context("after the gate is torn down", func() {
		It("never intercepts, even for stale messages and events", func() {
			gateCancel()
			Eventually(gateDone, 3*time.Second).Should(Receive())

			Expect(slot.Publish(domain.BlockDecision{
				IsBlocking:    true,
				BlockedAppIDs: []string{"com.x"},
			})).To(Succeed())
			gate.ApplyDecision(domain.BlockDecision{IsBlocking: true, BlockedAppIDs: []string{"com.x"}})
			gate.HandleForeground("com.x")

			Consistently(overlay.Visible, 300*time.Millisecond).Should(BeFalse())
		})
	})

	Context("writing a tag", func() {
		It("records the token durably before confirming", func() {
			Expect(auth.BeginWrite(context.Background())).To(Succeed())

			e := nextEvent()
			Expect(e.Kind).To(Equal(domain.EventWriteSuccess))
			Expect(e.Payload).To(HavePrefix(token.Prefix))

			tokens, err := store.TagRegistry().List()
			Expect(err).NotTo(HaveOccurred())
			Expect(tokens).To(HaveLen(1))
			Expect(tokens[0].Payload).To(Equal(e.Payload))

			By("round-tripping the written payload")
			codec := token.NewCodec()
			prefix, ts, random, err := codec.DecodeParts(e.Payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(prefix + "-" + ts + "-" + random).To(Equal(e.Payload))
		})
	})

	Context("profile management", func() {
		It("rejects deleting the last remaining profile", func() {
			profiles, err := store.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(profiles).To(HaveLen(1))

			Expect(store.Delete(profiles[0].ID)).To(MatchError(domain.ErrLastProfile))

			after, err := store.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(after).To(HaveLen(1))
		})
	})
})

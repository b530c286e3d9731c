package runtime_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/oklog/ulid/v2"

	"github.com/tillerhq/tiller/citest/testutil"
	"github.com/tillerhq/tiller/internal/config"
	"github.com/tillerhq/tiller/internal/host"
	"github.com/tillerhq/tiller/internal/session"
	"github.com/tillerhq/tiller/pkg/types"
)

// fillerScript replies seven times so the shadow history outgrows the
// compaction keep window. With reportUsage the last reply claims 90% of a
// 1000-token context, tripping the auto-compaction threshold.
func fillerScript(reportUsage bool) *testutil.Script {
	steps := []testutil.Step{
		{Reply: "one"}, {Reply: "two"}, {Reply: "three"},
		{Reply: "four"}, {Reply: "five"}, {Reply: "six"},
		{Reply: "seven"},
	}
	if reportUsage {
		steps[6].ContextTokens = 900
		steps[6].ContextWindow = 1000
	}
	return &testutil.Script{
		Defaults: testutil.ScriptDefaults{Reply: "done"},
		Rules: []testutil.GoalRule{{
			Name:  "window-filler",
			Match: testutil.MatchConfig{Contains: "fill the window"},
			Steps: steps,
		}},
	}
}

var _ = Describe("Compaction", func() {
	It("should fold older turns into a summary when usage crosses the threshold", func() {
		factory := &testutil.ScriptedFactory{Script: fillerScript(true), Summarize: true}
		mgr, _ := newHost(factory.Factory())
		h, rec := openSession(mgr)

		_, err := h.Controller.SubmitGoal(context.Background(), "fill the window")
		Expect(err).NotTo(HaveOccurred())

		// Compaction runs asynchronously once the run reports its usage;
		// the event lands after the rewrite.
		Eventually(func() bool { return rec.Has(types.EventCompaction) }).Should(BeTrue())

		// 8 messages collapsed to a summary plus the 6 most recent.
		history := h.Controller.History()
		Expect(history).To(HaveLen(7))
		Expect(history[0].Role).To(Equal(types.RoleAssistant))
		Expect(history[0].Text()).To(ContainSubstring("Earlier conversation compacted"))
		Expect(history[0].Text()).To(ContainSubstring("Summary of 2 earlier messages."))
		Expect(history[6].Text()).To(Equal("seven"))

		ev, ok := rec.First(types.EventCompaction)
		Expect(ok).To(BeTrue())
		payload, ok := ev.Payload.(*types.CompactionPayload)
		Expect(ok).To(BeTrue())
		Expect(payload.BeforeCount).To(Equal(8))
		Expect(payload.AfterCount).To(Equal(7))

		// A fresh usage estimate follows the rewrite.
		Eventually(func() bool { return rec.Has(types.EventContextUpdate) }).Should(BeTrue())
	})

	It("should compact on demand through the compact command", func() {
		factory := &testutil.ScriptedFactory{Script: fillerScript(false), Summarize: true}
		mgr, _ := newHost(factory.Factory())
		h, rec := openSession(mgr)

		_, err := h.Controller.SubmitGoal(context.Background(), "fill the window")
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Controller.History()).To(HaveLen(8))
		Expect(rec.Has(types.EventCompaction)).To(BeFalse())

		h.Controller.Bus().EmitCommand(types.NewCompact())

		Eventually(func() bool { return rec.Has(types.EventCompaction) }).Should(BeTrue())
		Expect(h.Controller.History()).To(HaveLen(7))
	})

	It("should leave short histories alone", func() {
		factory := &testutil.ScriptedFactory{Script: testutil.DefaultScript(), Summarize: true}
		mgr, _ := newHost(factory.Factory())
		h, rec := openSession(mgr)

		_, err := h.Controller.SubmitGoal(context.Background(), "hello there")
		Expect(err).NotTo(HaveOccurred())

		h.Controller.Compact(context.Background())

		// Nothing to fold: no event, history untouched.
		Expect(h.Controller.History()).To(HaveLen(2))
		Expect(rec.Has(types.EventCompaction)).To(BeFalse())
	})
})

var _ = Describe("Session Persistence", func() {
	var (
		factory *testutil.ScriptedFactory
		mgr     *host.Manager
		dir     string
	)

	BeforeEach(func() {
		factory = &testutil.ScriptedFactory{Script: testutil.DefaultScript()}
		mgr, dir = newHost(factory.Factory())
	})

	Describe("Clearing", func() {
		It("should mint a fresh identity and keep the old session on disk", func() {
			h, rec := openSession(mgr)

			_, err := h.Controller.SubmitGoal(context.Background(), "hello there")
			Expect(err).NotTo(HaveOccurred())
			oldID := h.ID()

			h.Controller.Bus().EmitCommand(types.NewClear())

			newID := h.ID()
			Expect(newID).NotTo(BeEmpty())
			Expect(newID).NotTo(Equal(oldID))
			Expect(h.Controller.History()).To(BeEmpty())
			Expect(rec.Has(types.EventSessionClear)).To(BeTrue())

			// The manager tracks the handle under its new identity.
			_, ok := mgr.Get(oldID)
			Expect(ok).To(BeFalse())
			got, ok := mgr.Get(newID)
			Expect(ok).To(BeTrue())
			Expect(got).To(BeIdenticalTo(h))

			// The abandoned session stays readable on disk.
			meta, err := session.ReadMetadata(dir, oldID)
			Expect(err).NotTo(HaveOccurred())
			Expect(meta).NotTo(BeNil())
			Expect(meta.Status).To(Equal(session.StatusIdle))

			// The next run is a first run again.
			_, err = h.Controller.SubmitGoal(context.Background(), "hello there")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Count(types.EventSessionStart)).To(Equal(2))
			Expect(h.Controller.Metadata().Turns).To(Equal(1))
		})
	})

	Describe("Resuming", func() {
		It("should replay history and announce session_resume", func() {
			h1, _ := openSession(mgr)
			_, err := h1.Controller.SubmitGoal(context.Background(), "remember the launch code")
			Expect(err).NotTo(HaveOccurred())
			id := h1.ID()
			Expect(h1.Close()).To(Succeed())

			h2, err := mgr.Open(id)
			Expect(err).NotTo(HaveOccurred())
			rec := &testutil.EventRecorder{}
			DeferCleanup(rec.Attach(h2.Controller.Bus()))

			history := h2.Controller.History()
			Expect(history).To(HaveLen(2))
			Expect(history[0].Text()).To(Equal("remember the launch code"))
			Expect(history[1].Text()).To(Equal("done"))

			_, err = h2.Controller.SubmitGoal(context.Background(), "hello there")
			Expect(err).NotTo(HaveOccurred())

			ev, ok := rec.First(types.EventSessionResume)
			Expect(ok).To(BeTrue())
			payload, ok := ev.Payload.(*types.SessionResumePayload)
			Expect(ok).To(BeTrue())
			Expect(payload.HistoryLength).To(Equal(2))

			// The second run's agent started from the replayed history.
			Expect(factory.Runs()).To(Equal(2))
			Expect(factory.LastOptions().SessionID).To(Equal(id))
			Expect(factory.LastOptions().InitialHistory).To(HaveLen(2))
			Expect(h2.Controller.History()).To(HaveLen(4))
		})
	})

	Describe("Crash recovery", func() {
		It("should heal a running snapshot left behind by a crash", func() {
			id := ulid.Make().String()
			meta := session.NewMetadata(dir, id, "root", "gpt-4o")
			meta.Status = session.StatusRunning
			Expect(meta.Save()).To(Succeed())

			h, err := mgr.Open(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.Controller.Metadata().Status).To(Equal(session.StatusInterrupted))

			onDisk, err := session.ReadMetadata(dir, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(onDisk.Status).To(Equal(session.StatusInterrupted))
		})

		It("should refuse to open a session owned by another host", func() {
			h, err := mgr.Open("")
			Expect(err).NotTo(HaveOccurred())

			otherFactory := &testutil.ScriptedFactory{Script: testutil.DefaultScript()}
			cfg := config.Default()
			cfg.SessionsDir = dir
			cfg.Model = "gpt-4o"
			other, err := host.NewManager(cfg, otherFactory.Factory())
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(other.Close)

			_, err = other.Open(h.ID())
			Expect(err).To(MatchError(host.ErrSessionBusy))
		})
	})

	Describe("Model switching", func() {
		It("should apply the switch to subsequent runs", func() {
			h, _ := openSession(mgr)

			_, err := h.Controller.SubmitGoal(context.Background(), "hello there")
			Expect(err).NotTo(HaveOccurred())
			Expect(factory.LastOptions().Model).To(Equal("gpt-4o"))

			h.Controller.Bus().EmitCommand(types.NewSwitchModel("o3-mini"))

			_, err = h.Controller.SubmitGoal(context.Background(), "hello again")
			Expect(err).NotTo(HaveOccurred())
			Expect(factory.LastOptions().Model).To(Equal("o3-mini"))
		})
	})
})

package runtime_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tillerhq/tiller/citest/testutil"
	"github.com/tillerhq/tiller/internal/host"
	"github.com/tillerhq/tiller/internal/session"
	"github.com/tillerhq/tiller/pkg/types"
)

var _ = Describe("Session Lifecycle", func() {
	var (
		factory *testutil.ScriptedFactory
		mgr     *host.Manager
		dir     string
	)

	BeforeEach(func() {
		factory = &testutil.ScriptedFactory{Script: testutil.DefaultScript()}
		mgr, dir = newHost(factory.Factory())
	})

	open := func() (*host.Handle, *testutil.EventRecorder) {
		return openSession(mgr)
	}

	Describe("Submitting a goal", func() {
		It("should run to completion and mirror the conversation", func() {
			h, _ := open()

			res, err := h.Controller.SubmitGoal(context.Background(), "hello there")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(res.Output).To(Equal("Hello! What are we working on?"))
			Expect(res.Turns).To(Equal(1))

			history := h.Controller.History()
			Expect(history).To(HaveLen(2))
			Expect(history[0].Role).To(Equal(types.RoleUser))
			Expect(history[0].Text()).To(Equal("hello there"))
			Expect(history[1].Role).To(Equal(types.RoleAssistant))
			Expect(history[1].Text()).To(Equal("Hello! What are we working on?"))

			Expect(h.Controller.Status()).To(Equal(session.StatusIdle))
			Expect(h.Controller.Metadata().Turns).To(Equal(1))
		})

		It("should announce the first run with session_start", func() {
			h, rec := open()

			_, err := h.Controller.SubmitGoal(context.Background(), "hello there")
			Expect(err).NotTo(HaveOccurred())

			kinds := rec.Kinds()
			Expect(kinds).NotTo(BeEmpty())
			Expect(kinds[0]).To(Equal(types.EventSessionStart))
			Expect(rec.Has(types.EventPerceive)).To(BeTrue())
			Expect(rec.Has(types.EventPlanEnd)).To(BeTrue())

			// Later runs on the same session do not re-announce.
			_, err = h.Controller.SubmitGoal(context.Background(), "hello again")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Count(types.EventSessionStart)).To(Equal(1))
		})

		It("should record tool results between assistant turns", func() {
			h, _ := open()

			res, err := h.Controller.SubmitGoal(context.Background(), "plan then act")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Turns).To(Equal(2))

			history := h.Controller.History()
			Expect(history).To(HaveLen(4))
			Expect(history[0].Role).To(Equal(types.RoleUser))
			Expect(history[1].Text()).To(Equal("First I will plan."))
			Expect(history[2].Role).To(Equal(types.RoleTool))
			Expect(history[2].Text()).To(Equal("plan.md written"))
			Expect(history[3].Text()).To(Equal("Then I act."))
		})

		It("should persist the snapshot and the durable event log", func() {
			h, _ := open()

			_, err := h.Controller.SubmitGoal(context.Background(), "hello there")
			Expect(err).NotTo(HaveOccurred())
			id := h.ID()

			meta, err := session.ReadMetadata(dir, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(meta).NotTo(BeNil())
			Expect(meta.Status).To(Equal(session.StatusIdle))
			Expect(meta.Turns).To(Equal(1))

			// The log writer appends asynchronously.
			logPath := session.EventLogPath(dir, id)
			readKinds := func() []types.EventKind {
				events, err := session.ReadEventLog(logPath)
				if err != nil {
					return nil
				}
				kinds := make([]types.EventKind, len(events))
				for i, ev := range events {
					kinds[i] = ev.Kind
				}
				return kinds
			}
			Eventually(readKinds).Should(ContainElements(
				types.EventSessionStart,
				types.EventPerceive,
				types.EventPlanEnd,
			))
			Expect(readKinds()[0]).To(Equal(types.EventSessionStart))
		})

		It("should run goals arriving as bus commands", func() {
			h, _ := open()

			h.Controller.Bus().EmitCommand(types.NewSubmitGoal("hello there"))

			Eventually(func() int { return len(h.Controller.History()) }).Should(Equal(2))
			Expect(h.Controller.History()[1].Text()).To(Equal("Hello! What are we working on?"))
			Eventually(h.Controller.Status).Should(Equal(session.StatusIdle))
		})
	})

	Describe("Steering", func() {
		// standingBy waits until the scripted agent reaches its await step.
		standingBy := func(h *host.Handle) {
			Eventually(func() string {
				history := h.Controller.History()
				if len(history) == 0 {
					return ""
				}
				return history[len(history)-1].Text()
			}).Should(Equal("Standing by."))
		}

		It("should pass steer commands to the live run", func() {
			h, _ := open()

			h.Controller.Bus().EmitCommand(types.NewSubmitGoal("await instructions"))
			standingBy(h)

			h.Controller.Bus().EmitCommand(types.NewSteer("head west"))

			Eventually(func() string {
				history := h.Controller.History()
				return history[len(history)-1].Text()
			}).Should(Equal("steered: head west"))
			Eventually(h.Controller.Status).Should(Equal(session.StatusIdle))

			Expect(factory.LastAgent().Steers()).To(Equal([]string{"head west"}))
		})

		It("should route a second goal to the live run as steering", func() {
			h, _ := open()

			h.Controller.Bus().EmitCommand(types.NewSubmitGoal("await instructions"))
			standingBy(h)

			h.Controller.Bus().EmitCommand(types.NewSubmitGoal("try the other door"))

			Eventually(func() string {
				history := h.Controller.History()
				return history[len(history)-1].Text()
			}).Should(Equal("steered: try the other door"))

			// One run, one agent: the second goal never reached the factory.
			Expect(factory.Runs()).To(Equal(1))
		})
	})

	Describe("Interrupting", func() {
		It("should cancel the run and mark the session interrupted", func() {
			h, rec := open()

			h.Controller.Bus().EmitCommand(types.NewSubmitGoal("take your time"))
			Eventually(h.Controller.Status).Should(Equal(session.StatusRunning))

			h.Controller.Bus().EmitCommand(types.NewInterrupt())

			Eventually(h.Controller.Status).Should(Equal(session.StatusInterrupted))
			Expect(rec.Has(types.EventInterrupted)).To(BeTrue())

			// The goal arrived but no reply was produced.
			Expect(h.Controller.History()).To(HaveLen(1))
			Expect(h.Controller.History()[0].Role).To(Equal(types.RoleUser))

			meta, err := session.ReadMetadata(dir, h.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(meta.Status).To(Equal(session.StatusInterrupted))
		})

		It("should accept new goals after an interrupt", func() {
			h, rec := open()

			h.Controller.Bus().EmitCommand(types.NewSubmitGoal("take your time"))
			Eventually(h.Controller.Status).Should(Equal(session.StatusRunning))
			h.Controller.Bus().EmitCommand(types.NewInterrupt())
			Eventually(h.Controller.Status).Should(Equal(session.StatusInterrupted))

			res, err := h.Controller.SubmitGoal(context.Background(), "hello there")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(h.Controller.Status()).To(Equal(session.StatusIdle))

			// Still the same session: no second session_start.
			Expect(rec.Count(types.EventSessionStart)).To(Equal(1))
		})
	})
})

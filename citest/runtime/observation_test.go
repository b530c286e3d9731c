package runtime_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tillerhq/tiller/citest/testutil"
	"github.com/tillerhq/tiller/internal/server"
	"github.com/tillerhq/tiller/internal/session"
	"github.com/tillerhq/tiller/internal/watch"
	"github.com/tillerhq/tiller/pkg/types"
)

var _ = Describe("Observation API", func() {
	var ts *httptest.Server

	BeforeEach(func() {
		factory := &testutil.ScriptedFactory{Script: testutil.DefaultScript()}
		mgr, dir := newHost(factory.Factory())

		watcher, err := watch.New(dir, 0)
		Expect(err).NotTo(HaveOccurred())
		watcher.Start()
		DeferCleanup(watcher.Stop)

		srv := server.New(server.DefaultConfig(), dir, mgr, watcher)
		ts = httptest.NewServer(srv.Router())
		DeferCleanup(ts.Close)
	})

	postJSON := func(path string, body any) *http.Response {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	getJSON := func(path string, out any) int {
		resp, err := http.Get(ts.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		if out != nil && resp.StatusCode == http.StatusOK {
			Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
		}
		return resp.StatusCode
	}

	openOverHTTP := func() string {
		resp := postJSON("/session", map[string]string{})
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var meta session.Metadata
		Expect(json.NewDecoder(resp.Body).Decode(&meta)).To(Succeed())
		Expect(meta.SessionID).NotTo(BeEmpty())
		return meta.SessionID
	}

	It("should drive a session end to end over HTTP", func() {
		id := openOverHTTP()

		resp := postJSON("/session/"+id+"/command", types.NewSubmitGoal("hello there"))
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		Eventually(func() int {
			var history []types.Message
			getJSON("/session/"+id+"/history", &history)
			return len(history)
		}).Should(Equal(2))

		var history []types.Message
		Expect(getJSON("/session/"+id+"/history", &history)).To(Equal(http.StatusOK))
		Expect(history[0].Text()).To(Equal("hello there"))
		Expect(history[1].Text()).To(Equal("Hello! What are we working on?"))

		Eventually(func() session.Status {
			var got session.Metadata
			getJSON("/session/"+id, &got)
			return got.Status
		}).Should(Equal(session.StatusIdle))

		Eventually(func() int {
			var list []*session.Metadata
			getJSON("/session", &list)
			return len(list)
		}).Should(Equal(1))
	})

	It("should serve the durable log and its tail", func() {
		id := openOverHTTP()

		resp := postJSON("/session/"+id+"/command", types.NewSubmitGoal("hello there"))
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		// The log writer appends asynchronously.
		Eventually(func() int {
			var events []types.Event
			getJSON("/session/"+id+"/log", &events)
			return len(events)
		}).Should(BeNumerically(">=", 3))

		var tail []types.Event
		Expect(getJSON("/session/"+id+"/log?tail=1", &tail)).To(Equal(http.StatusOK))
		Expect(tail).To(HaveLen(1))
		Expect(tail[0].Kind).To(Equal(types.EventPlanEnd))
	})

	It("should reject commands it does not recognize", func() {
		id := openOverHTTP()

		resp, err := http.Post(ts.URL+"/session/"+id+"/command", "application/json",
			strings.NewReader(`{"kind":"reboot"}`))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})
})

package flowise_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zhengjr9/flowise-bridge/internal/flowise"
)

var _ = Describe("Client", func() {
	var (
		server     *httptest.Server
		handler    http.HandlerFunc
		lastPath   string
		lastAccept string
		lastBody   map[string]any
	)

	BeforeEach(func() {
		lastPath, lastAccept, lastBody = "", "", nil
		handler = nil
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lastPath = r.URL.Path
			lastAccept = r.Header.Get("Accept")
			_ = json.NewDecoder(r.Body).Decode(&lastBody)
			handler(w, r)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	newClient := func() *flowise.Client {
		return flowise.NewClient(server.URL, "flow-123", 5*time.Second, "")
	}

	Describe("NewClient", func() {
		It("appends the prediction path to a base URL", func() {
			c := flowise.NewClient("http://flowise.local/", "abc", time.Second, "")
			Expect(c.PredictionURL()).To(Equal("http://flowise.local/api/v1/prediction/abc"))
		})

		It("keeps a full prediction URL as-is", func() {
			c := flowise.NewClient("http://flowise.local/api/v1/prediction/xyz", "ignored", time.Second, "")
			Expect(c.PredictionURL()).To(Equal("http://flowise.local/api/v1/prediction/xyz"))
		})
	})

	Describe("Predict", func() {
		It("sends the question without the streaming flag and returns text", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"text":"Hi there","chatId":"c1"}`)
			}

			pred, err := newClient().Predict(context.Background(), "hello")
			Expect(err).NotTo(HaveOccurred())
			Expect(pred.Text).To(Equal("Hi there"))
			Expect(pred.Content()).To(Equal("Hi there"))
			Expect(lastPath).To(Equal("/api/v1/prediction/flow-123"))
			Expect(lastBody).To(Equal(map[string]any{"question": "hello"}))
		})

		It("falls back to the raw body when there is no text field", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "{}\n")
			}

			pred, err := newClient().Predict(context.Background(), "hello")
			Expect(err).NotTo(HaveOccurred())
			Expect(pred.Text).To(BeEmpty())
			Expect(pred.Content()).To(Equal("{}"))
		})

		It("falls back to the raw body for a plain-text answer", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "just text")
			}

			pred, err := newClient().Predict(context.Background(), "hello")
			Expect(err).NotTo(HaveOccurred())
			Expect(pred.Content()).To(Equal("just text"))
		})

		It("returns an UpstreamError for non-2xx answers", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, `{"message":"chatflow not found"}`)
			}

			_, err := newClient().Predict(context.Background(), "hello")
			var upErr *flowise.UpstreamError
			Expect(errors.As(err, &upErr)).To(BeTrue())
			Expect(upErr.StatusCode).To(Equal(http.StatusNotFound))
			Expect(string(upErr.Body)).To(ContainSubstring("chatflow not found"))
		})
	})

	Describe("PredictStream", func() {
		It("requests streaming and returns the body", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, "data: {\"event\":\"token\",\"data\":\"a\"}\n\n")
			}

			body, err := newClient().PredictStream(context.Background(), "hello")
			Expect(err).NotTo(HaveOccurred())
			defer body.Close()

			raw, err := io.ReadAll(body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(ContainSubstring(`"data":"a"`))
			Expect(lastAccept).To(Equal("text/event-stream"))
			Expect(lastBody).To(Equal(map[string]any{"question": "hello", "streaming": true}))
		})

		It("reports a non-2xx answer before any bytes are streamed", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, "boom")
			}

			body, err := newClient().PredictStream(context.Background(), "hello")
			Expect(body).To(BeNil())
			var upErr *flowise.UpstreamError
			Expect(errors.As(err, &upErr)).To(BeTrue())
			Expect(upErr.StatusCode).To(Equal(http.StatusInternalServerError))
		})

		It("reports a connection failure", func() {
			c := flowise.NewClient("http://127.0.0.1:1", "x", time.Second, "")
			_, err := c.PredictStream(context.Background(), "hello")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("flowise request"))
		})
	})
})

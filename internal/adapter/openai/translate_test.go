package openai_test

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zhengjr9/flowise-bridge/internal/adapter/openai"
	apierrors "github.com/zhengjr9/flowise-bridge/internal/errors"
)

var _ = Describe("DecodeRequest", func() {
	It("returns the last message as the question", func() {
		req, err := openai.DecodeRequest(strings.NewReader(`{
			"model": "gpt-4o",
			"stream": true,
			"temperature": 0.2,
			"messages": [
				{"role": "system", "content": "be brief"},
				{"role": "user", "content": "What is 2+2?"}
			]
		}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(req.Stream).To(BeTrue())
		Expect(req.Question()).To(Equal("What is 2+2?"))
	})

	It("joins the text parts of array content", func() {
		req, err := openai.DecodeRequest(strings.NewReader(`{"messages":[{"role":"user","content":[
			{"type":"text","text":"first"},
			{"type":"image_url","image_url":{"url":"http://x"}},
			{"type":"text","text":"second"}
		]}]}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(req.Question()).To(Equal("first\nsecond"))
	})

	It("rejects a body that is not JSON", func() {
		_, err := openai.DecodeRequest(strings.NewReader("not json"))
		Expect(errors.Is(err, apierrors.ErrMalformedBody)).To(BeTrue())
	})

	It("rejects content of the wrong type", func() {
		_, err := openai.DecodeRequest(strings.NewReader(`{"messages":[{"role":"user","content":42}]}`))
		Expect(errors.Is(err, apierrors.ErrMalformedBody)).To(BeTrue())
	})

	It("rejects an empty message list", func() {
		_, err := openai.DecodeRequest(strings.NewReader(`{"messages":[]}`))
		Expect(err).To(MatchError(apierrors.ErrEmptyMessages))

		_, err = openai.DecodeRequest(strings.NewReader(`{}`))
		Expect(err).To(MatchError(apierrors.ErrEmptyMessages))
	})
})

var _ = Describe("Chunks", func() {
	var restore func()

	BeforeEach(func() {
		restore = openai.SetClock(time.Unix(1700000000, 0), "chatcmpl-fixed")
	})

	AfterEach(func() {
		restore()
	})

	decode := func(frame []byte) map[string]any {
		s := string(frame)
		Expect(s).To(HavePrefix("data: "))
		Expect(s).To(HaveSuffix("\n\n"))
		var m map[string]any
		Expect(json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")), &m)).To(Succeed())
		return m
	}

	It("opens with an assistant role delta and no finish reason", func() {
		frame, err := openai.EncodeChunk(openai.NewRoleChunk("m"))
		Expect(err).NotTo(HaveOccurred())

		m := decode(frame)
		Expect(m["id"]).To(Equal("chatcmpl-fixed"))
		Expect(m["object"]).To(Equal("chat.completion.chunk"))
		Expect(m["created"]).To(BeNumerically("==", 1700000000))
		Expect(m["model"]).To(Equal("m"))

		choice := m["choices"].([]any)[0].(map[string]any)
		Expect(choice["index"]).To(BeNumerically("==", 0))
		Expect(choice["delta"]).To(Equal(map[string]any{"role": "assistant"}))
		Expect(choice).To(HaveKeyWithValue("finish_reason", BeNil()))
	})

	It("carries a token as content only", func() {
		frame, err := openai.EncodeChunk(openai.NewTokenChunk("m", "Hel"))
		Expect(err).NotTo(HaveOccurred())

		choice := decode(frame)["choices"].([]any)[0].(map[string]any)
		Expect(choice["delta"]).To(Equal(map[string]any{"content": "Hel"}))
		Expect(choice).To(HaveKeyWithValue("finish_reason", BeNil()))
	})

	It("keeps the content key for an empty token", func() {
		frame, err := openai.EncodeChunk(openai.NewTokenChunk("m", ""))
		Expect(err).NotTo(HaveOccurred())

		choice := decode(frame)["choices"].([]any)[0].(map[string]any)
		Expect(choice["delta"]).To(Equal(map[string]any{"content": ""}))
	})

	It("ends with an empty delta and finish_reason stop", func() {
		frame, err := openai.EncodeChunk(openai.NewTerminalChunk("m"))
		Expect(err).NotTo(HaveOccurred())

		choice := decode(frame)["choices"].([]any)[0].(map[string]any)
		Expect(choice["delta"]).To(BeEmpty())
		Expect(choice["finish_reason"]).To(Equal("stop"))
	})

	It("gives every chunk a fresh id by default", func() {
		restore()
		a := openai.NewTokenChunk("m", "x")
		b := openai.NewTokenChunk("m", "x")
		Expect(a.ID).To(HavePrefix("chatcmpl-"))
		Expect(a.ID).NotTo(Equal(b.ID))
	})

	It("terminates with the done marker", func() {
		Expect(openai.DoneMarker).To(Equal("data: [DONE]\n\n"))
	})
})

var _ = Describe("WriteBlockingResponse", func() {
	It("wraps the answer in a chat.completion with zero usage", func() {
		rec := httptest.NewRecorder()
		Expect(openai.WriteBlockingResponse(rec, "Hi there", "flowise-proxy")).To(Succeed())
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

		var resp openai.ChatCompletionResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Object).To(Equal("chat.completion"))
		Expect(resp.Model).To(Equal("flowise-proxy"))
		Expect(resp.ID).To(HavePrefix("chatcmpl-"))
		Expect(resp.Choices).To(HaveLen(1))
		Expect(resp.Choices[0].Message).To(Equal(openai.Message{Role: "assistant", Content: "Hi there"}))
		Expect(resp.Choices[0].FinishReason).To(Equal("stop"))
		Expect(resp.Usage).To(Equal(openai.Usage{}))
	})
})

var _ = Describe("NewModelList", func() {
	It("lists the configured model", func() {
		list := openai.NewModelList("my-flow")
		Expect(list.Object).To(Equal("list"))
		Expect(list.Data).To(HaveLen(1))
		Expect(list.Data[0].ID).To(Equal("my-flow"))
		Expect(list.Data[0].OwnedBy).To(Equal("flowise"))
	})
})

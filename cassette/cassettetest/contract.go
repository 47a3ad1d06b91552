// Package cassettetest holds the Ginkgo specs every cassette.Storage must
// pass.
package cassettetest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/thegreatape/betamax/cassette"
)

// Interactions returns n distinct interactions with mixed text and binary
// bodies.
func Interactions(n int) []cassette.Interaction {
	out := make([]cassette.Interaction, n)
	for i := range out {
		contentType := "application/json"
		if i%2 == 1 {
			contentType = "application/octet-stream"
		}
		out[i] = cassette.Interaction{
			Position:   i,
			RecordedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(i) * time.Second),
			Request: cassette.Request{
				Method: http.MethodPost,
				URL:    "https://api.example.com/items?page=" + string(rune('a'+i)),
				Header: http.Header{"Content-Type": {contentType}, "X-Seq": {string(rune('0' + i%10))}},
				Body:   []byte(`{"n":` + strconv.Itoa(i) + `}`),
			},
			Response: cassette.Response{
				StatusCode:    201,
				Status:        "201 Created",
				Proto:         "HTTP/1.1",
				Header:        http.Header{"Content-Type": {contentType}},
				Body:          []byte{0xff, byte(i), 'x'},
				ContentLength: 3,
			},
		}
	}
	return out
}

// DescribeStorage registers the storage contract specs. newStorage is called
// in a BeforeEach, so it may use DeferCleanup.
func DescribeStorage(description string, newStorage func() cassette.Storage) bool {
	return Describe(description+" storage contract", func() {
		var (
			ctx     context.Context
			storage cassette.Storage
		)

		BeforeEach(func() {
			ctx = context.Background()
			storage = newStorage()
		})

		It("reports a missing cassette as not found", func() {
			_, err := storage.Load(ctx, "nonexistent")
			Expect(errors.Is(err, cassette.ErrNotFound)).To(BeTrue(), "got %v", err)

			var storageErr *cassette.StorageError
			Expect(errors.As(err, &storageErr)).To(BeFalse())
		})

		It("loads a saved empty cassette as an empty sequence", func() {
			Expect(storage.Save(ctx, "x", []cassette.Interaction{})).To(Succeed())

			loaded, err := storage.Load(ctx, "x")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).NotTo(BeNil())
			Expect(loaded).To(BeEmpty())
		})

		It("preserves recording order and content", func() {
			saved := Interactions(3)
			Expect(storage.Save(ctx, "group/ordered", saved)).To(Succeed())

			loaded, err := storage.Load(ctx, "group/ordered")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(HaveLen(3))
			for i := range saved {
				Expect(loaded[i].Position).To(Equal(i))
				Expect(loaded[i].RecordedAt.Equal(saved[i].RecordedAt)).To(BeTrue())
				Expect(loaded[i].Request.Method).To(Equal(saved[i].Request.Method))
				Expect(loaded[i].Request.URL).To(Equal(saved[i].Request.URL))
				Expect(loaded[i].Request.Header).To(Equal(saved[i].Request.Header))
				Expect(loaded[i].Request.Body).To(Equal(saved[i].Request.Body))
				Expect(loaded[i].Response.StatusCode).To(Equal(saved[i].Response.StatusCode))
				Expect(loaded[i].Response.Status).To(Equal(saved[i].Response.Status))
				Expect(loaded[i].Response.Body).To(Equal(saved[i].Response.Body))
				Expect(loaded[i].Response.ContentLength).To(Equal(saved[i].Response.ContentLength))
			}
		})

		It("replaces a cassette on save", func() {
			Expect(storage.Save(ctx, "replaced", Interactions(3))).To(Succeed())
			Expect(storage.Save(ctx, "replaced", Interactions(1))).To(Succeed())

			loaded, err := storage.Load(ctx, "replaced")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(HaveLen(1))
		})

		It("keeps cassettes apart by name", func() {
			Expect(storage.Save(ctx, "one", Interactions(1))).To(Succeed())
			Expect(storage.Save(ctx, "two", Interactions(2))).To(Succeed())

			one, err := storage.Load(ctx, "one")
			Expect(err).NotTo(HaveOccurred())
			two, err := storage.Load(ctx, "two")
			Expect(err).NotTo(HaveOccurred())
			Expect(one).To(HaveLen(1))
			Expect(two).To(HaveLen(2))
		})
	})
}

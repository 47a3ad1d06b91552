package betamax_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/thegreatape/betamax"
	"github.com/thegreatape/betamax/cassette"
	"github.com/thegreatape/betamax/matcher"
	"github.com/thegreatape/betamax/proxy"
)

var _ = Describe("VCR", func() {
	var (
		ctx     context.Context
		target  *targetServer
		dir     string
		storage *cassette.FileStorage
		vcr     *VCR
	)

	BeforeEach(func() {
		ctx = context.Background()
		target = newTargetServer()
		dir = GinkgoT().TempDir()
		storage = cassette.NewFileStorage(dir)
		vcr = New(storage)
	})

	cassetteBytes := func(name string) []byte {
		data, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
		Expect(err).NotTo(HaveOccurred())
		return data
	}

	record := func(name string, body func(ctx context.Context) error) {
		Expect(vcr.UseCassette(ctx, name, body)).To(Succeed())
		Expect(vcr.LastStats().Loaded).To(BeZero())
	}

	Describe("recording and replaying", func() {
		exchange := func(ctx context.Context) ([]string, error) {
			first, err := get(ctx, target.URL+"/a")
			if err != nil {
				return nil, err
			}
			second, err := call(ctx, http.DefaultClient, http.MethodPost, target.URL+"/b", "payload", nil)
			if err != nil {
				return nil, err
			}
			return []string{first, second}, nil
		}

		It("records a missing cassette and replays it without the network", func() {
			recorded, err := Use(ctx, vcr, "roundtrip", exchange)
			Expect(err).NotTo(HaveOccurred())
			Expect(target.Hits()).To(Equal(2))
			Expect(recorded).To(Equal([]string{"hello #1 GET /a ", "hello #2 POST /b payload"}))
			Expect(vcr.LastStats()).To(Equal(Stats{Recorded: 2}))
			Expect(filepath.Join(dir, "roundtrip.yaml")).To(BeAnExistingFile())

			replayed, err := Use(ctx, vcr, "roundtrip", exchange)
			Expect(err).NotTo(HaveOccurred())
			Expect(target.Hits()).To(Equal(2))
			Expect(replayed).To(Equal(recorded))
			Expect(vcr.LastStats()).To(Equal(Stats{Loaded: 2, Played: 2}))
		})

		It("replays the same cassette any number of times without writing it", func() {
			_, err := Use(ctx, vcr, "repeat", exchange)
			Expect(err).NotTo(HaveOccurred())
			before := cassetteBytes("repeat")

			for range 3 {
				replayed, err := Use(ctx, vcr, "repeat", exchange)
				Expect(err).NotTo(HaveOccurred())
				Expect(replayed[0]).To(Equal("hello #1 GET /a "))
			}
			Expect(target.Hits()).To(Equal(2))
			Expect(cassetteBytes("repeat")).To(Equal(before))
		})

		It("replays recorded status codes and headers", func() {
			record("headers", func(ctx context.Context) error {
				_, err := get(ctx, target.URL+"/h")
				return err
			})

			Expect(vcr.UseCassette(ctx, "headers", func(ctx context.Context) error {
				resp, err := http.Get(target.URL + "/h")
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("X-Hit")).To(Equal("1"))
				Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/plain"))
				Expect(resp.Request).NotTo(BeNil())
				return nil
			})).To(Succeed())
		})

		It("replays text bodies that start with a tab or are a lone newline", func() {
			bodies := map[string]string{"/tsv": "\tcol\nrow\t1\n", "/newline": "\n"}
			text := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/tab-separated-values")
				_, _ = io.WriteString(w, bodies[r.URL.Path])
			}))
			DeferCleanup(text.Close)

			fetch := func(ctx context.Context) ([]string, error) {
				var out []string
				for _, path := range []string{"/tsv", "/newline"} {
					body, err := call(ctx, http.DefaultClient, http.MethodPost, text.URL+path, bodies[path],
						http.Header{"Content-Type": {"text/plain"}})
					if err != nil {
						return nil, err
					}
					out = append(out, body)
				}
				return out, nil
			}

			recorded, err := Use(ctx, vcr, "tsv", fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(recorded).To(Equal([]string{"\tcol\nrow\t1\n", "\n"}))

			text.Close()
			replayed, err := Use(ctx, vcr, "tsv", fetch)
			Expect(err).NotTo(HaveOccurred())
			Expect(replayed).To(Equal(recorded))
			Expect(vcr.LastStats().Played).To(Equal(2))
		})

		It("answers identical requests in recording order", func() {
			twice := func(ctx context.Context) ([]string, error) {
				var out []string
				for range 2 {
					body, err := get(ctx, target.URL+"/same")
					if err != nil {
						return nil, err
					}
					out = append(out, body)
				}
				return out, nil
			}

			recorded, err := Use(ctx, vcr, "duplicates", twice)
			Expect(err).NotTo(HaveOccurred())
			Expect(recorded).To(Equal([]string{"hello #1 GET /same ", "hello #2 GET /same "}))

			replayed, err := Use(ctx, vcr, "duplicates", twice)
			Expect(err).NotTo(HaveOccurred())
			Expect(replayed).To(Equal(recorded))
		})

		It("saves an empty cassette and replays it strictly", func() {
			record("quiet", func(context.Context) error { return nil })
			Expect(string(cassetteBytes("quiet"))).To(ContainSubstring("interactions: []"))

			err := vcr.UseCassette(ctx, "quiet", func(ctx context.Context) error {
				_, err := get(ctx, target.URL+"/late")
				return err
			})
			Expect(errors.Is(err, ErrMatchNotFound)).To(BeTrue())
			Expect(target.Hits()).To(BeZero())
		})

		It("records nothing for a live request that fails", func() {
			target.Close()
			err := vcr.UseCassette(ctx, "offline", func(ctx context.Context) error {
				_, err := get(ctx, target.URL+"/gone")
				Expect(err).To(HaveOccurred())
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			loaded, err := storage.Load(ctx, "offline")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(BeEmpty())
		})

		It("serves concurrent requests distinct interactions", func() {
			const n = 5
			record("parallel", func(ctx context.Context) error {
				for range n {
					if _, err := get(ctx, target.URL+"/p"); err != nil {
						return err
					}
				}
				return nil
			})

			var (
				mu     sync.Mutex
				bodies []string
			)
			Expect(vcr.UseCassette(ctx, "parallel", func(ctx context.Context) error {
				var wg sync.WaitGroup
				for range n {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						body, err := get(ctx, target.URL+"/p")
						Expect(err).NotTo(HaveOccurred())
						mu.Lock()
						bodies = append(bodies, body)
						mu.Unlock()
					}()
				}
				wg.Wait()
				return nil
			})).To(Succeed())

			sort.Strings(bodies)
			expected := make([]string, n)
			for i := range expected {
				expected[i] = fmt.Sprintf("hello #%d GET /p ", i+1)
			}
			Expect(bodies).To(Equal(expected))
			Expect(target.Hits()).To(Equal(n))
		})
	})

	Describe("replay misses", func() {
		BeforeEach(func() {
			record("known", func(ctx context.Context) error {
				_, err := get(ctx, target.URL+"/known")
				return err
			})
		})

		It("fails the unmatched call without reaching the network", func() {
			before := cassetteBytes("known")
			err := vcr.UseCassette(ctx, "known", func(ctx context.Context) error {
				_, err := get(ctx, target.URL+"/unknown")
				Expect(errors.Is(err, ErrMatchNotFound)).To(BeTrue())

				var missErr *MatchNotFoundError
				Expect(errors.As(err, &missErr)).To(BeTrue())
				Expect(missErr.Cassette).To(Equal("known"))
				Expect(missErr.Method).To(Equal(http.MethodGet))
				Expect(missErr.URL).To(HaveSuffix("/unknown"))
				return err
			})
			Expect(errors.Is(err, ErrMatchNotFound)).To(BeTrue())
			Expect(target.Hits()).To(Equal(1))
			Expect(cassetteBytes("known")).To(Equal(before))
			Expect(vcr.LastStats().Missed).To(Equal(1))
		})

		It("reports a miss the body swallowed", func() {
			err := vcr.UseCassette(ctx, "known", func(ctx context.Context) error {
				_, _ = get(ctx, target.URL+"/unknown")
				return nil
			})
			Expect(errors.Is(err, ErrMatchNotFound)).To(BeTrue())
		})

		It("does not reuse a consumed interaction", func() {
			err := vcr.UseCassette(ctx, "known", func(ctx context.Context) error {
				_, err := get(ctx, target.URL+"/known")
				Expect(err).NotTo(HaveOccurred())
				_, err = get(ctx, target.URL+"/known")
				return err
			})
			Expect(errors.Is(err, ErrMatchNotFound)).To(BeTrue())
			Expect(vcr.LastStats()).To(Equal(Stats{Loaded: 1, Played: 1, Missed: 1}))
		})
	})

	Describe("matching configuration", func() {
		BeforeEach(func() {
			record("configured", func(ctx context.Context) error {
				_, err := call(ctx, http.DefaultClient, http.MethodPost, target.URL+"/m", "original",
					http.Header{"X-Request-Id": {"1"}})
				return err
			})
		})

		replayWith := func(body string, requestID string) error {
			return vcr.UseCassette(ctx, "configured", func(ctx context.Context) error {
				_, err := call(ctx, http.DefaultClient, http.MethodPost, target.URL+"/m", body,
					http.Header{"X-Request-Id": {requestID}})
				return err
			})
		}

		It("compares bodies by default", func() {
			Expect(errors.Is(replayWith("changed", "1"), ErrMatchNotFound)).To(BeTrue())
		})

		It("ignores bodies when body comparison is off", func() {
			m := matcher.New()
			m.CompareBody = false
			vcr.SetMatcher(m)
			Expect(replayWith("changed", "1")).To(Succeed())
		})

		It("compares headers by default", func() {
			Expect(errors.Is(replayWith("original", "2"), ErrMatchNotFound)).To(BeTrue())
		})

		It("skips ignored headers", func() {
			vcr.SetMatcher(matcher.New().Ignore("x-request-id"))
			Expect(replayWith("original", "2")).To(Succeed())
		})

		It("keeps the matcher a session opened with", func() {
			err := vcr.UseCassette(ctx, "configured", func(ctx context.Context) error {
				m := matcher.New()
				m.CompareBody = false
				vcr.SetMatcher(m)

				_, err := call(ctx, http.DefaultClient, http.MethodPost, target.URL+"/m", "changed",
					http.Header{"X-Request-Id": {"1"}})
				return err
			})
			Expect(errors.Is(err, ErrMatchNotFound)).To(BeTrue())

			Expect(replayWith("changed", "1")).To(Succeed())
		})

		It("does not see edits made to the installed matcher during a session", func() {
			m := matcher.New()
			vcr.SetMatcher(m)
			err := vcr.UseCassette(ctx, "configured", func(ctx context.Context) error {
				m.CompareBody = false
				_, err := call(ctx, http.DefaultClient, http.MethodPost, target.URL+"/m", "changed",
					http.Header{"X-Request-Id": {"1"}})
				return err
			})
			Expect(errors.Is(err, ErrMatchNotFound)).To(BeTrue())
		})
	})

	Describe("session lifecycle", func() {
		It("exposes the active session while the body runs", func() {
			Expect(vcr.Active()).To(BeNil())

			var session *Session
			record("lifecycle", func(ctx context.Context) error {
				session = vcr.Active()
				Expect(session).NotTo(BeNil())
				Expect(session.Name).To(Equal("lifecycle"))
				Expect(session.ID).NotTo(BeEmpty())
				Expect(session.State()).To(Equal(Recording))
				Expect(proxy.Installed()).To(BeTrue())
				return nil
			})

			Expect(vcr.Active()).To(BeNil())
			Expect(proxy.Installed()).To(BeFalse())
			Expect(session.State()).To(Equal(Closed))
			Expect(session.Mode()).To(Equal(Recording))

			req, err := http.NewRequest(http.MethodGet, target.URL, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = session.Resolve(req, http.DefaultTransport)
			Expect(err).To(MatchError(ErrSessionClosed))
		})

		It("refuses a nested cassette", func() {
			record("outer", func(ctx context.Context) error {
				err := vcr.UseCassette(ctx, "inner", func(context.Context) error {
					Fail("nested body must not run")
					return nil
				})
				Expect(err).To(MatchError(ErrConcurrentSession))
				return nil
			})
			Expect(filepath.Join(dir, "inner.yaml")).NotTo(BeAnExistingFile())
		})

		It("refuses a second VCR while one is intercepting", func() {
			other := New(cassette.NewFileStorage(GinkgoT().TempDir()))
			record("first", func(ctx context.Context) error {
				err := other.UseCassette(ctx, "second", func(context.Context) error { return nil })
				Expect(errors.Is(err, ErrConcurrentSession)).To(BeTrue())
				Expect(errors.Is(err, proxy.ErrAlreadyInstalled)).To(BeTrue())
				return nil
			})
			Expect(other.Active()).To(BeNil())
		})

		It("saves what was captured when the body fails", func() {
			boom := errors.New("boom")
			err := vcr.UseCassette(ctx, "partial", func(ctx context.Context) error {
				if _, err := get(ctx, target.URL+"/one"); err != nil {
					return err
				}
				return boom
			})
			Expect(err).To(MatchError(boom))

			loaded, err := storage.Load(ctx, "partial")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(HaveLen(1))
			Expect(loaded[0].Request.URL).To(HaveSuffix("/one"))
		})

		It("restores the transport and saves when the body panics", func() {
			original := http.DefaultTransport
			Expect(func() {
				_ = vcr.UseCassette(ctx, "panicky", func(ctx context.Context) error {
					_, _ = get(ctx, target.URL+"/before-panic")
					panic("kaboom")
				})
			}).To(PanicWith("kaboom"))

			Expect(http.DefaultTransport).To(BeIdenticalTo(original))
			Expect(vcr.Active()).To(BeNil())
			loaded, err := storage.Load(ctx, "panicky")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(HaveLen(1))
		})

		It("intercepts extra clients and restores their transports", func() {
			transport := &http.Transport{}
			client := &http.Client{Transport: transport}
			vcr = New(storage, WithClients(client))

			exchange := func(ctx context.Context) (string, error) {
				return call(ctx, client, http.MethodGet, target.URL+"/client", "", nil)
			}
			recorded, err := Use(ctx, vcr, "clients", exchange)
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Transport).To(BeIdenticalTo(transport))

			replayed, err := Use(ctx, vcr, "clients", exchange)
			Expect(err).NotTo(HaveOccurred())
			Expect(replayed).To(Equal(recorded))
			Expect(target.Hits()).To(Equal(1))
		})

		It("paces live requests while recording", func() {
			vcr = New(storage, WithRecordRateLimit(0.001, 1))
			err := vcr.UseCassette(ctx, "paced", func(ctx context.Context) error {
				_, err := get(ctx, target.URL+"/1")
				Expect(err).NotTo(HaveOccurred())

				short, cancel := context.WithTimeout(ctx, time.Second)
				defer cancel()
				_, err = get(short, target.URL+"/2")
				Expect(err).To(HaveOccurred())
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(target.Hits()).To(Equal(1))
			Expect(vcr.LastStats().Recorded).To(Equal(1))
		})

		It("logs session boundaries", func() {
			var buf bytes.Buffer
			vcr = New(storage, WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))))
			record("logged", func(ctx context.Context) error {
				_, err := get(ctx, target.URL+"/log")
				return err
			})

			Expect(buf.String()).To(ContainSubstring("cassette opened"))
			Expect(buf.String()).To(ContainSubstring("recorded interaction"))
			Expect(buf.String()).To(ContainSubstring("cassette closed"))
			Expect(buf.String()).To(ContainSubstring("cassette=logged"))
		})
	})

	Describe("storage failures", func() {
		var fake *fakeStorage

		BeforeEach(func() {
			fake = newFakeStorage()
			vcr = New(fake)
		})

		It("does not run the body when the cassette cannot be loaded", func() {
			fake.loadErr = errors.New("database unavailable")
			original := http.DefaultTransport

			err := vcr.UseCassette(ctx, "unreadable", func(context.Context) error {
				Fail("body must not run")
				return nil
			})

			var storageErr *cassette.StorageError
			Expect(errors.As(err, &storageErr)).To(BeTrue())
			Expect(storageErr.Op).To(Equal("load"))
			Expect(storageErr.Name).To(Equal("unreadable"))
			Expect(err).To(MatchError(ContainSubstring("database unavailable")))
			Expect(http.DefaultTransport).To(BeIdenticalTo(original))
			Expect(vcr.Active()).To(BeNil())
			Expect(fake.saves).To(BeZero())
		})

		It("returns a save failure", func() {
			fake.saveErr = errors.New("read-only filesystem")
			err := vcr.UseCassette(ctx, "unwritable", func(ctx context.Context) error {
				_, err := get(ctx, target.URL+"/w")
				return err
			})

			var storageErr *cassette.StorageError
			Expect(errors.As(err, &storageErr)).To(BeTrue())
			Expect(storageErr.Op).To(Equal("save"))
		})

		It("joins a save failure with the body's error", func() {
			boom := errors.New("boom")
			fake.saveErr = errors.New("read-only filesystem")
			err := vcr.UseCassette(ctx, "unwritable", func(context.Context) error {
				return boom
			})

			Expect(errors.Is(err, boom)).To(BeTrue())
			var storageErr *cassette.StorageError
			Expect(errors.As(err, &storageErr)).To(BeTrue())
			Expect(fake.saves).To(Equal(1))
		})

		It("frees the VCR when the storage panics while loading", func() {
			fake.loadPanic = "driver bug"
			Expect(func() {
				_ = vcr.UseCassette(ctx, "crashy", func(context.Context) error { return nil })
			}).To(PanicWith("driver bug"))
			Expect(vcr.Active()).To(BeNil())
			Expect(proxy.Installed()).To(BeFalse())

			fake.loadPanic = nil
			Expect(vcr.UseCassette(ctx, "crashy", func(context.Context) error { return nil })).To(Succeed())
		})

		It("never saves a replayed cassette", func() {
			fake.cassettes["stored"] = []cassette.Interaction{}
			Expect(vcr.UseCassette(ctx, "stored", func(context.Context) error { return nil })).To(Succeed())
			Expect(fake.saves).To(BeZero())
		})
	})
})

package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/wadispatch/internal/browser/browsertest"
	"github.com/wolfeidau/wadispatch/internal/codec"
	"github.com/wolfeidau/wadispatch/internal/models"
	"github.com/wolfeidau/wadispatch/internal/queue"
	"github.com/wolfeidau/wadispatch/internal/session"
	"github.com/wolfeidau/wadispatch/internal/store"
	"github.com/wolfeidau/wadispatch/internal/store/memory"
	"github.com/wolfeidau/wadispatch/internal/whatsapp"
)

var testSelectors = whatsapp.DefaultSelectors()

type apiFixture struct {
	server   *httptest.Server
	svc      *whatsapp.Service
	driver   *browsertest.Driver
	registry *session.Registry
	store    *memory.Store
	scanned  *atomic.Bool
}

// newAPIFixture serves the API over a fake browser that shows a QR code
// until scanned is set and the chat list after. The producer's clock is
// fixed at 2025-01-01 00:00 UTC.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	reg, err := session.NewRegistry(session.Config{Root: t.TempDir()})
	require.NoError(t, err)

	c, err := codec.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	scanned := &atomic.Bool{}
	driver := browsertest.NewDriver()
	driver.Setup = func(_ string, p *browsertest.Page) {
		if scanned.Load() {
			p.Show(testSelectors.InsideChat)
			p.Show(testSelectors.SendButton)
			return
		}
		p.Show(testSelectors.QRCode)
		p.SetAttribute(testSelectors.QRCode, testSelectors.QRCodeAttr, "2@qr-payload")
	}

	to := whatsapp.Timeouts{
		AuthProbe:  200 * time.Millisecond,
		QRWait:     30 * time.Millisecond,
		Scan:       300 * time.Millisecond,
		Load:       100 * time.Millisecond,
		SendButton: 30 * time.Millisecond,
		Cooldown:   time.Millisecond,
	}
	svc := whatsapp.NewService(reg, c, driver,
		whatsapp.NewAuthenticator(testSelectors, to),
		whatsapp.NewDispatcher(testSelectors, to, ""),
		session.NewLocker(),
	)

	st := memory.New()
	producer := queue.NewProducer(st, "")
	producer.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	api := NewAPI(Config{}, svc, st, producer)
	server := httptest.NewServer(api.Routes(zerolog.Nop()))
	t.Cleanup(server.Close)

	return &apiFixture{server: server, svc: svc, driver: driver, registry: reg, store: st, scanned: scanned}
}

func (f *apiFixture) startSession(t *testing.T) (id, handle string) {
	t.Helper()

	sess, err := f.svc.StartSession(context.Background())
	require.NoError(t, err)
	return sess.ID, sess.Handle
}

func (f *apiFixture) url(path, handle string) string {
	u := f.server.URL + path
	if handle != "" {
		u += "?sid=" + url.QueryEscape(handle)
	}
	return u
}

func (f *apiFixture) lastPage(id string) *browsertest.Page {
	pages := f.driver.Pages(f.registry.ProfilePath(id))
	return pages[len(pages)-1]
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func TestAPI_StartSession(t *testing.T) {
	f := newAPIFixture(t)

	res, err := http.Get(f.url("/api/v1/system/start-session", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeBody(t, res)
	handle, ok := body["sessionId"].(string)
	require.True(t, ok)

	id, err := f.svc.Resolve(handle)
	require.NoError(t, err)
	require.True(t, f.svc.Exists(id))
}

func TestAPI_StartSessionFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.driver.OpenErr = io.ErrUnexpectedEOF

	res, err := http.Get(f.url("/api/v1/system/start-session", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	require.Equal(t, map[string]any{"error": "Failed to start WhatsApp session"}, decodeBody(t, res))
}

func TestAPI_sessionMiddleware(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		url  string
		want map[string]any
	}{
		{
			name: "missing sid",
			url:  f.url("/api/v1/system/auth", ""),
			want: map[string]any{"message": "No 'sid' parameter found in query."},
		},
		{
			name: "garbage sid",
			url:  f.url("/api/v1/qr/code", "not-a-handle"),
			want: map[string]any{"message": "Failed to decrypt session ID"},
		},
		{
			name: "bad hex",
			url:  f.url("/api/v1/messages/schedule", "zz:zz"),
			want: map[string]any{"message": "Failed to decrypt session ID"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := http.Get(tt.url)
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, res.StatusCode)
			require.Equal(t, tt.want, decodeBody(t, res))
		})
	}
}

func TestAPI_CheckAuth(t *testing.T) {
	f := newAPIFixture(t)
	_, handle := f.startSession(t)

	res, err := http.Get(f.url("/api/v1/system/auth", handle))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, map[string]any{"sessionId": handle, "authenticated": false}, decodeBody(t, res))

	f.scanned.Store(true)

	res, err = http.Get(f.url("/api/v1/system/auth", handle))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"sessionId": handle, "authenticated": true}, decodeBody(t, res))
}

func TestAPI_CheckAuthUnknownSession(t *testing.T) {
	f := newAPIFixture(t)

	handle, err := f.svc.Handle("session_1700000000000_abcdefghi")
	require.NoError(t, err)

	res, err := http.Get(f.url("/api/v1/system/auth", handle))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, map[string]any{"sessionId": nil, "authenticated": false}, decodeBody(t, res))
	require.Zero(t, f.driver.Opens())
}

func TestAPI_GetQRCode(t *testing.T) {
	f := newAPIFixture(t)
	id, handle := f.startSession(t)

	res, err := http.Get(f.url("/api/v1/qr/code", handle))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, map[string]any{"qrcode": "2@qr-payload"}, decodeBody(t, res))
	require.True(t, f.lastPage(id).Closed())
}

func TestAPI_GetQRCodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *apiFixture)
		status int
	}{
		{
			name:   "already authenticated",
			setup:  func(f *apiFixture) { f.scanned.Store(true) },
			status: http.StatusConflict,
		},
		{
			name:   "browser unavailable",
			setup:  func(f *apiFixture) { f.driver.OpenErr = io.ErrClosedPipe },
			status: http.StatusBadGateway,
		},
		{
			name: "no QR element",
			setup: func(f *apiFixture) {
				f.driver.Setup = func(string, *browsertest.Page) {}
			},
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			_, handle := f.startSession(t)
			tt.setup(f)

			res, err := http.Get(f.url("/api/v1/qr/code", handle))
			require.NoError(t, err)
			require.Equal(t, tt.status, res.StatusCode)
			require.NotEmpty(t, decodeBody(t, res)["error"])
		})
	}
}

func TestAPI_GetQRCodeUnknownSession(t *testing.T) {
	f := newAPIFixture(t)

	handle, err := f.svc.Handle("session_1700000000000_abcdefghi")
	require.NoError(t, err)

	res, err := http.Get(f.url("/api/v1/qr/code", handle))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAPI_errorBodiesHideSessionID(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *apiFixture, id string)
		status int
		want   string
	}{
		{
			name: "profile removed",
			setup: func(t *testing.T, f *apiFixture, id string) {
				require.NoError(t, os.RemoveAll(f.registry.ProfilePath(id)))
			},
			status: http.StatusNotFound,
			want:   whatsapp.ErrSession.Error(),
		},
		{
			name: "browser unavailable",
			setup: func(t *testing.T, f *apiFixture, id string) {
				f.driver.OpenErr = fmt.Errorf("chrome exited: user data dir %s", f.registry.ProfilePath(id))
			},
			status: http.StatusBadGateway,
			want:   whatsapp.ErrInvalidPage.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			id, handle := f.startSession(t)
			tt.setup(t, f, id)

			for _, path := range []string{"/api/v1/qr/code", "/api/v1/qr/code.png"} {
				res, err := http.Get(f.url(path, handle))
				require.NoError(t, err)
				require.Equal(t, tt.status, res.StatusCode)

				raw, err := io.ReadAll(res.Body)
				res.Body.Close()
				require.NoError(t, err)

				require.NotContains(t, string(raw), "session_")
				require.NotContains(t, string(raw), id)

				var body map[string]string
				require.NoError(t, json.Unmarshal(raw, &body))
				require.Equal(t, tt.want, body["error"])
			}
		})
	}
}

func TestPublicMessage(t *testing.T) {
	require.Equal(t, "session does not exist", PublicMessage(fmt.Errorf("lookup session_1_x: %w", whatsapp.ErrSession)))
	require.Equal(t, "Internal Server Error", PublicMessage(errors.New("open /sessions/session_1_x: permission denied")))
	require.Equal(t, "time: must be a valid date.", PublicMessage(validation.Errors{"time": errors.New("must be a valid date")}))
}

func TestAPI_GetQRCodePNG(t *testing.T) {
	f := newAPIFixture(t)
	_, handle := f.startSession(t)

	res, err := http.Get(f.url("/api/v1/qr/code.png", handle))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "image/png", res.Header.Get("Content-Type"))

	img, err := png.Decode(res.Body)
	require.NoError(t, err)
	require.Equal(t, qrImageSize, img.Bounds().Dx())
}

func TestAPI_SendNow(t *testing.T) {
	f := newAPIFixture(t)
	id, handle := f.startSession(t)

	body := `[{"message":"hi {{name}}","numbers":["111",{"phone":"222","name":"Ana"}]}]`

	res, err := http.Post(f.url("/api/v1/messages", handle), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()

	f.scanned.Store(true)

	res, err = http.Post(f.url("/api/v1/messages", handle), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, map[string]any{"message": "done"}, decodeBody(t, res))

	navs := f.lastPage(id).Navigations()
	require.Len(t, navs, 2)
	require.Contains(t, navs[1], "phone=222")
	require.Contains(t, navs[1], "hi%20Ana")
}

func TestAPI_SendNowBadBody(t *testing.T) {
	f := newAPIFixture(t)
	_, handle := f.startSession(t)

	res, err := http.Post(f.url("/api/v1/messages", handle), "application/json", strings.NewReader(`{"message":`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, map[string]any{"message": "Message and Phone Number are required."}, decodeBody(t, res))
}

func TestAPI_ScheduleMessages(t *testing.T) {
	f := newAPIFixture(t)
	_, handle := f.startSession(t)

	body := `[{"startDate":"2025-01-01","endDate":"2025-01-02","time":"09:00","numbers":["111","222"],"message":"hello"}]`

	res, err := http.Post(f.url("/api/v1/messages/schedule", handle), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var created struct {
		Message string                    `json:"message"`
		Data    []models.ScheduledMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	res.Body.Close()

	require.Equal(t, "Messages scheduled successfully", created.Message)
	require.Len(t, created.Data, 2)
	for i, row := range created.Data {
		require.NotZero(t, row.ID)
		require.False(t, row.Sent)
		require.Equal(t, handle, row.SessionID)
		require.Equal(t, "111,222", row.Recipient)
		require.True(t, time.Date(2025, 1, 1+i, 9, 0, 0, 0, time.UTC).Equal(row.SendAt))
	}
	require.Equal(t, 2, f.store.JobStore.Len())

	res, err = http.Get(f.url("/api/v1/messages/schedule", handle))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var listed struct {
		Data []models.ScheduledMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&listed))
	res.Body.Close()
	require.Len(t, listed.Data, 2)
}

func TestAPI_ScheduleMessagesInvalid(t *testing.T) {
	f := newAPIFixture(t)
	_, handle := f.startSession(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "not an array", body: `{"message":"x"}`, want: "Invalid request format"},
		{name: "empty array", body: `[]`, want: "Invalid request format"},
		{
			name: "bad date",
			body: `[{"startDate":"01/01/2025","endDate":"2025-01-02","time":"09:00","numbers":["111"],"message":"x"}]`,
		},
		{
			name: "comma in number",
			body: `[{"startDate":"2025-01-01","endDate":"2025-01-02","time":"09:00","numbers":["1,2"],"message":"x"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := http.Post(f.url("/api/v1/messages/schedule", handle), "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, res.StatusCode)

			body := decodeBody(t, res)
			if tt.want != "" {
				require.Equal(t, tt.want, body["error"])
			}
		})
	}

	require.Zero(t, f.store.JobStore.Len())
}

// limitedQueue accepts the first n jobs and refuses the rest.
type limitedQueue struct {
	store.JobQueue
	n int
}

func (q *limitedQueue) EnqueueJob(ctx context.Context, name string, payload []byte, runAt time.Time) (*store.Job, error) {
	if q.n == 0 {
		return nil, errors.New("queue unavailable")
	}
	q.n--
	return q.JobQueue.EnqueueJob(ctx, name, payload, runAt)
}

func TestAPI_ScheduleMessagesEnqueueFailure(t *testing.T) {
	f := newAPIFixture(t)
	_, handle := f.startSession(t)

	producer := queue.NewProducer(&limitedQueue{JobQueue: f.store.JobStore, n: 1}, "")
	producer.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	server := httptest.NewServer(NewAPI(Config{}, f.svc, f.store, producer).Routes(zerolog.Nop()))
	t.Cleanup(server.Close)

	body := `[{"startDate":"2025-01-01","endDate":"2025-01-03","time":"09:00","numbers":["111"],"message":"hello"}]`

	res, err := http.Post(server.URL+"/api/v1/messages/schedule?sid="+url.QueryEscape(handle), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)

	var failed struct {
		Error       string                    `json:"error"`
		Data        []models.ScheduledMessage `json:"data"`
		Unscheduled []int64                   `json:"unscheduled"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&failed))
	res.Body.Close()

	require.Equal(t, "Failed to schedule messages", failed.Error)
	require.Len(t, failed.Data, 3)
	require.Equal(t, []int64{failed.Data[1].ID, failed.Data[2].ID}, failed.Unscheduled)
	require.Equal(t, 1, f.store.JobStore.Len())
}

func TestAPI_ScheduleMessagesPastDatesAreNotEnqueued(t *testing.T) {
	f := newAPIFixture(t)
	_, handle := f.startSession(t)

	body := `[{"startDate":"2024-12-30","endDate":"2025-01-01","time":"09:00","numbers":["111"],"message":"hello"}]`

	res, err := http.Post(f.url("/api/v1/messages/schedule", handle), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	// rows are kept for all three days, only 2025-01-01 09:00 is still due
	rows, err := f.store.ListMessages(context.Background(), handle)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, 1, f.store.JobStore.Len())
}

// readEvents reads SSE data payloads, calling onEvent after each one.
func readEvents(t *testing.T, r io.Reader, onEvent func(map[string]any)) []map[string]any {
	t.Helper()

	var events []map[string]any
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}
	return events
}

func TestAPI_StreamQRAndScan(t *testing.T) {
	f := newAPIFixture(t)
	id, handle := f.startSession(t)

	res, err := http.Get(f.url("/api/v1/qr/scan", handle))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	events := readEvents(t, res.Body, func(ev map[string]any) {
		if ev["type"] == "QRCODE" {
			f.lastPage(id).Show(testSelectors.InsideChat)
		}
	})

	require.Equal(t, []map[string]any{
		{"message": "Waiting for user to scan QR"},
		{"code": "2@qr-payload", "type": "QRCODE"},
		{"scan": true, "type": "QRSCAN"},
	}, events)
	require.True(t, f.lastPage(id).Closed())
}

func TestAPI_StreamQRAndScanTimeout(t *testing.T) {
	f := newAPIFixture(t)
	id, handle := f.startSession(t)

	res, err := http.Get(f.url("/api/v1/qr/scan", handle))
	require.NoError(t, err)
	defer res.Body.Close()

	events := readEvents(t, res.Body, nil)
	require.Equal(t, map[string]any{"scan": false, "type": "QRSCAN"}, events[len(events)-1])
	require.True(t, f.lastPage(id).Closed())
}

func TestAPI_StreamQRAndScanNoCode(t *testing.T) {
	f := newAPIFixture(t)
	_, handle := f.startSession(t)
	f.scanned.Store(true)

	res, err := http.Get(f.url("/api/v1/qr/scan", handle))
	require.NoError(t, err)
	defer res.Body.Close()

	events := readEvents(t, res.Body, nil)
	require.Equal(t, []map[string]any{
		{"message": "Waiting for user to scan QR"},
		{"code": nil, "type": "QRCODE"},
	}, events)
}

func TestWriteSSE_eventIDTracksPayload(t *testing.T) {
	var a, b, c bytes.Buffer

	w := httptest.NewRecorder()
	require.NoError(t, writeSSE(w, codeEvent{Code: ptr("one"), Type: eventTypeQRCode}))
	a.Write(w.Body.Bytes())

	w = httptest.NewRecorder()
	require.NoError(t, writeSSE(w, codeEvent{Code: ptr("one"), Type: eventTypeQRCode}))
	b.Write(w.Body.Bytes())

	w = httptest.NewRecorder()
	require.NoError(t, writeSSE(w, codeEvent{Code: ptr("two"), Type: eventTypeQRCode}))
	c.Write(w.Body.Bytes())

	require.True(t, strings.HasPrefix(a.String(), "id: "))
	require.True(t, strings.HasSuffix(a.String(), "\n\n"))
	require.Equal(t, a.String(), b.String())

	idA, _, _ := strings.Cut(a.String(), "\n")
	idC, _, _ := strings.Cut(c.String(), "\n")
	require.NotEqual(t, idA, idC)
}

func ptr(s string) *string { return &s }

func TestAPI_QRWebsocket(t *testing.T) {
	f := newAPIFixture(t)
	id, handle := f.startSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.url("/api/v1/qr/ws", handle), "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var events []map[string]any
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal(data, &ev))
		events = append(events, ev)
		if ev["type"] == "QRCODE" {
			f.lastPage(id).Show(testSelectors.InsideChat)
		}
	}

	require.Equal(t, []map[string]any{
		{"message": "Waiting for user to scan QR"},
		{"code": "2@qr-payload", "type": "QRCODE"},
		{"scan": true, "type": "QRSCAN"},
	}, events)
}

func TestAPI_health(t *testing.T) {
	f := newAPIFixture(t)

	res, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

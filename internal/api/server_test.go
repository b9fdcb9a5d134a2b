package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/pierrec/lz4/v4"
	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/eri"
	"github.com/samcharles93/scfdev/internal/kernels"
	"github.com/samcharles93/scfdev/internal/linalg"
	"github.com/samcharles93/scfdev/internal/logger"
	"github.com/samcharles93/scfdev/internal/offload"
	"github.com/samcharles93/scfdev/internal/scenario"
	"github.com/vmihailenco/msgpack/v5"
)

type testEnvelope[T any] struct {
	RequestID string         `json:"request_id" msgpack:"request_id"`
	Result    T              `json:"result" msgpack:"result"`
	Error     *ResponseError `json:"error" msgpack:"error"`
}

func newTestEcho(t *testing.T, devices int, opts ...Option) *echo.Echo {
	t.Helper()
	cfg := offload.DefaultConfig()
	cfg.Backend = device.Host
	cfg.HostDevices = devices
	cfg.HostMemoryLimit = 1 << 28
	f, err := offload.New(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("offload.New: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	e := echo.New()
	NewServer(f, logger.Discard(), opts...).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", MIMEJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder, wantStatus int) testEnvelope[T] {
	t.Helper()
	if rec.Code != wantStatus {
		t.Fatalf("status %d, want %d: %s", rec.Code, wantStatus, rec.Body.String())
	}
	var env testEnvelope[T]
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := uuid.Parse(env.RequestID); err != nil {
		t.Fatalf("request_id %q is not a uuid", env.RequestID)
	}
	if rec.Header().Get(HeaderRequestID) != env.RequestID {
		t.Fatalf("header request id %q differs from body %q", rec.Header().Get(HeaderRequestID), env.RequestID)
	}
	return env
}

func TestDevicesAndSelect(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, 2)

	env := decodeJSON[DevicesResponse](t, doJSON(t, e, http.MethodGet, "/v1/devices", nil), http.StatusOK)
	if env.Result.Count != 2 || len(env.Result.Devices) != 2 || env.Result.Active != 0 {
		t.Fatalf("unexpected devices %+v", env.Result)
	}

	sel := decodeJSON[SelectResponse](t, doJSON(t, e, http.MethodPost, "/v1/devices/1/select", nil), http.StatusOK)
	if sel.Result.Active != 1 {
		t.Fatalf("active = %d", sel.Result.Active)
	}

	bad := decodeJSON[any](t, doJSON(t, e, http.MethodPost, "/v1/devices/7/select", nil), http.StatusConflict)
	if bad.Error == nil || bad.Error.Type != "device_error" {
		t.Fatalf("unexpected error %+v", bad.Error)
	}
	bad = decodeJSON[any](t, doJSON(t, e, http.MethodPost, "/v1/devices/x/select", nil), http.StatusBadRequest)
	if bad.Error == nil || bad.Error.Type != "invalid_request_error" {
		t.Fatalf("unexpected error %+v", bad.Error)
	}
}

func TestJKCycleOverHTTP(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, 2)
	jk := scenario.NewJK(5, 6, 2, 3, 9, 3, true)
	wantJ, wantK := jk.Reference(linalg.GonumImpl{}, true)

	start := InitJKRequest{
		Problem: offload.Problem{NAO: jk.NAO, NAux: jk.NAux, NSet: jk.NSet, WithK: true},
		DMs:     jk.DMs,
	}
	decodeJSON[InitJKResponse](t, doJSON(t, e, http.MethodPost, "/v1/jk/init", start), http.StatusOK)
	for b, blk := range jk.Blocks {
		block := offload.Block{Origin: jk.Origin, Index: b, NAux: jk.BlockAux[b], Data: blk}
		env := decodeJSON[BlockResponse](t, doJSON(t, e, http.MethodPost, "/v1/jk/blocks", block), http.StatusOK)
		if !env.Result.Queued || env.Result.Index != b {
			t.Fatalf("block %d: %+v", b, env.Result)
		}
	}
	pull := decodeJSON[PullResponse](t, doJSON(t, e, http.MethodPost, "/v1/jk/pull", nil), http.StatusOK)
	if d := scenario.MaxDiff(pull.Result.VJ, wantJ); !(d <= 1e-10) {
		t.Fatalf("vj max diff %g", d)
	}
	if d := scenario.MaxDiff(pull.Result.VK, wantK); !(d <= 1e-10) {
		t.Fatalf("vk max diff %g", d)
	}

	st := decodeJSON[eri.Status](t, doJSON(t, e, http.MethodGet, "/v1/origins/9/status", nil), http.StatusOK)
	if st.Result.Blocks != 3 || st.Result.Valid != 3 || st.Result.Devices != 2 {
		t.Fatalf("unexpected status %+v", st.Result)
	}
	inv := decodeJSON[InvalidateResponse](t, doJSON(t, e, http.MethodPost, "/v1/origins/9/invalidate", nil), http.StatusOK)
	if inv.Result.Invalidated != 3 {
		t.Fatalf("invalidated %d entries", inv.Result.Invalidated)
	}
	decodeJSON[any](t, doJSON(t, e, http.MethodGet, "/v1/origins/-1/status", nil), http.StatusBadRequest)
}

func TestPullBeforeInit(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, 1)
	env := decodeJSON[any](t, doJSON(t, e, http.MethodPost, "/v1/jk/pull", nil), http.StatusConflict)
	if env.Error == nil || env.Error.Type != "state_error" {
		t.Fatalf("unexpected error %+v", env.Error)
	}
	env = decodeJSON[any](t, doJSON(t, e, http.MethodPost, "/v1/jk/blocks", offload.Block{NAux: 1, Data: []float64{1}}), http.StatusConflict)
	if env.Error == nil || env.Error.Type != "state_error" {
		t.Fatalf("unexpected error %+v", env.Error)
	}
}

func TestDimensionErrorNamesField(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, 1)
	req := offload.AO2MORequest{NAux: 2, NAO: 3, NMO: 2, Eri: make([]float64, 5), MO: make([]float64, 6)}
	env := decodeJSON[any](t, doJSON(t, e, http.MethodPost, "/v1/ao2mo/pass1", req), http.StatusBadRequest)
	if env.Error == nil || env.Error.Type != "dimension_error" || env.Error.Param != "eri" {
		t.Fatalf("unexpected error %+v", env.Error)
	}
}

func TestMalformedBody(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, 1)
	req := httptest.NewRequest(http.MethodPost, "/v1/h2eff/update", bytes.NewBufferString("{nope"))
	req.Header.Set("Content-Type", MIMEJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	env := decodeJSON[any](t, rec, http.StatusBadRequest)
	if env.Error == nil || env.Error.Type != "invalid_request_error" {
		t.Fatalf("unexpected error %+v", env.Error)
	}
}

func TestCacheToggle(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, 1)
	env := decodeJSON[CacheResponse](t, doJSON(t, e, http.MethodPost, "/v1/cache/disable", nil), http.StatusOK)
	if env.Result.Enabled {
		t.Fatalf("cache still enabled")
	}
	env = decodeJSON[CacheResponse](t, doJSON(t, e, http.MethodPost, "/v1/cache/enable", nil), http.StatusOK)
	if !env.Result.Enabled {
		t.Fatalf("cache still disabled")
	}
	stats := decodeJSON[offload.Stats](t, doJSON(t, e, http.MethodGet, "/v1/stats", nil), http.StatusOK)
	if stats.Result.Backend != device.Host || !stats.Result.CacheEnabled {
		t.Fatalf("unexpected stats %+v", stats.Result)
	}
}

func TestMsgpackWithLZ4(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, 1)
	in := scenario.NewAO2MO(4, 5, 3, kernels.Symmetric, 17)
	want := in.Reference(linalg.GonumImpl{})

	raw, err := msgpack.Marshal(offload.AO2MORequest{
		NAux: in.NAux, NAO: in.NAO, NMO: in.NMO, Eri: in.Eri, MO: in.MO, Symmetry: in.Symmetry.String(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var body bytes.Buffer
	zw := lz4.NewWriter(&body)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("compress close: %v", err)
	}

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodPost, "/v1/ao2mo/pass1", &body)
	req.Header.Set("Content-Type", MIMEMsgpack)
	req.Header.Set("Content-Encoding", EncodingLZ4)
	req.Header.Set("Accept-Encoding", EncodingLZ4)
	req.Header.Set(HeaderRequestID, id)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != MIMEMsgpack || rec.Header().Get("Content-Encoding") != EncodingLZ4 {
		t.Fatalf("unexpected headers %v", rec.Header())
	}

	var env testEnvelope[MatrixResponse]
	if err := msgpack.NewDecoder(lz4.NewReader(rec.Body)).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.RequestID != id {
		t.Fatalf("request id %q, want client id %q", env.RequestID, id)
	}
	if len(env.Result.Shape) != 3 || env.Result.Shape[1] != in.NMO {
		t.Fatalf("shape %v", env.Result.Shape)
	}
	if d := scenario.MaxDiff(env.Result.Data, want); !(d <= 1e-10) {
		t.Fatalf("max diff %g", d)
	}
}

func TestUnsupportedEncoding(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, 1)
	req := httptest.NewRequest(http.MethodPost, "/v1/orbital-response", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Encoding", "br")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	decodeJSON[any](t, rec, http.StatusBadRequest)
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, 1, WithBodyLimit(256))

	big := InitJKRequest{Problem: offload.Problem{NAO: 16, NAux: 2, NSet: 1}, DMs: make([]float64, 256)}
	env := decodeJSON[any](t, doJSON(t, e, http.MethodPost, "/v1/jk/init", big), http.StatusRequestEntityTooLarge)
	if env.Error == nil || env.Error.Type != "request_too_large_error" {
		t.Fatalf("unexpected error %+v", env.Error)
	}

	var body bytes.Buffer
	zw := lz4.NewWriter(&body)
	if _, err := zw.Write(append(bytes.Repeat([]byte(" "), 1<<13), "{}"...)); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("compress close: %v", err)
	}
	if body.Len() >= 256 {
		t.Fatalf("compressed body is %d bytes", body.Len())
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/orbital-response", &body)
	req.Header.Set("Content-Type", MIMEJSON)
	req.Header.Set("Content-Encoding", EncodingLZ4)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	decodeJSON[any](t, rec, http.StatusRequestEntityTooLarge)

	small := decodeJSON[any](t, doJSON(t, e, http.MethodPost, "/v1/jk/init", offload.Problem{}), http.StatusBadRequest)
	if small.Error == nil || small.Error.Type != "dimension_error" {
		t.Fatalf("body under the limit must reach the facade: %+v", small.Error)
	}
}

func TestPullAgainstConcurrentInit(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, 1)
	inits := make([][]byte, 2)
	for i := range inits {
		nao := 4 + i
		raw, err := json.Marshal(InitJKRequest{
			Problem: offload.Problem{NAO: nao, NAux: 2, NSet: 1, WithK: true},
			DMs:     make([]float64, nao*nao),
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		inits[i] = raw
	}
	post := func(path string, raw []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", MIMEJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}
	if rec := post("/v1/jk/init", inits[0]); rec.Code != http.StatusOK {
		t.Fatalf("init: status %d", rec.Code)
	}

	const rounds = 32
	errs := make(chan error, 2*rounds)
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if rec := post("/v1/jk/init", inits[i%2]); rec.Code != http.StatusOK {
				errs <- fmt.Errorf("init: status %d: %s", rec.Code, rec.Body.String())
			}
		}()
		go func() {
			defer wg.Done()
			rec := post("/v1/jk/pull", nil)
			if rec.Code != http.StatusOK {
				errs <- fmt.Errorf("pull: status %d: %s", rec.Code, rec.Body.String())
				return
			}
			var env testEnvelope[PullResponse]
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				errs <- err
				return
			}
			n := env.Result.NSet * env.Result.NAO * env.Result.NAO
			if len(env.Result.VJ) != n || len(env.Result.VK) != n {
				errs <- fmt.Errorf("pull for nao %d returned %d/%d values", env.Result.NAO, len(env.Result.VJ), len(env.Result.VK))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err    error
		status int
	}{
		{offload.ErrDimension, http.StatusBadRequest},
		{fmt.Errorf("%w: 9 bytes", ErrBodyTooLarge), http.StatusRequestEntityTooLarge},
		{offload.ErrInvalidDevice, http.StatusConflict},
		{offload.ErrNoDevice, http.StatusConflict},
		{offload.ErrNotInitialized, http.StatusConflict},
		{eri.ErrCacheDesync, http.StatusConflict},
		{offload.ErrClosed, http.StatusServiceUnavailable},
		{offload.ErrAlloc, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := classify(tc.err); got != tc.status {
			t.Fatalf("%v: status %d, want %d", tc.err, got, tc.status)
		}
	}
}

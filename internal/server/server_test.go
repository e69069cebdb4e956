package server

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/Jesssullivan/pixtext/internal/catalog"
	"github.com/Jesssullivan/pixtext/internal/convert"
	"github.com/Jesssullivan/pixtext/internal/encode"
	"github.com/Jesssullivan/pixtext/internal/ingest"
	"github.com/Jesssullivan/pixtext/internal/store"
	"github.com/chai2010/webp"
)

func testSetup(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	dir := t.TempDir()
	db, err := catalog.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := store.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	ing := ingest.New(db, blobs, convert.DefaultOptions())
	return New(ing, db, blobs, cfg)
}

func makePNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 3), G: uint8(y * 3), B: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func post(t *testing.T, h http.Handler, query string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/convert"+query, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	handler := testSetup(t, DefaultConfig())

	w := get(t, handler, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("health returned %d, want 200", w.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok", resp.Status)
	}
	if resp.Budget != 190000 {
		t.Fatalf("budget = %d, want 190000", resp.Budget)
	}
}

func TestConvertEndpoint(t *testing.T) {
	handler := testSetup(t, DefaultConfig())

	w := post(t, handler, "?name=pic.png", makePNG(30, 20))
	if w.Code != http.StatusOK {
		t.Fatalf("convert returned %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Pixtext-Width") != "30" || w.Header().Get("X-Pixtext-Height") != "20" {
		t.Fatalf("dims headers = %s x %s, want 30 x 20",
			w.Header().Get("X-Pixtext-Width"), w.Header().Get("X-Pixtext-Height"))
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, encode.Header) || !strings.HasSuffix(body, encode.Terminator) {
		t.Fatal("body is not pixel text")
	}

	hash := w.Header().Get("X-Pixtext-Hash")
	w = get(t, handler, "/api/encoding/"+hash)
	if w.Code != http.StatusOK {
		t.Fatalf("encoding returned %d, want 200", w.Code)
	}
	if w.Body.String() != body {
		t.Fatal("stored encoding differs from convert response")
	}

	w = get(t, handler, "/api/conversions")
	var list []catalog.Conversion
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode conversions: %v", err)
	}
	if len(list) != 1 || list[0].Source != "pic.png" {
		t.Fatalf("conversions = %+v", list)
	}
}

func TestConvertEndpoint_Budget(t *testing.T) {
	handler := testSetup(t, DefaultConfig())

	w := post(t, handler, "?budget=2500", makePNG(100, 100))
	if w.Code != http.StatusOK {
		t.Fatalf("convert returned %d: %s", w.Code, w.Body.String())
	}
	// 2500/25 = 100 pixels, sqrt(100/10000)*0.95 -> 9x9.
	if w.Header().Get("X-Pixtext-Width") != "9" {
		t.Fatalf("width = %s, want 9", w.Header().Get("X-Pixtext-Width"))
	}
}

func TestConvertEndpoint_BadBudget(t *testing.T) {
	handler := testSetup(t, DefaultConfig())
	for _, q := range []string{"?budget=abc", "?budget=3", "?fit=loose"} {
		if w := post(t, handler, q, makePNG(4, 4)); w.Code != http.StatusBadRequest {
			t.Fatalf("%s returned %d, want 400", q, w.Code)
		}
	}
}

func TestConvertEndpoint_StrictOverBudget(t *testing.T) {
	handler := testSetup(t, DefaultConfig())
	// White pixels cost more than the planner's 25 chars each, so the
	// planned 82x82 grid overshoots the default budget.
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)

	w := post(t, handler, "?fit=strict", buf.Bytes())
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("strict overshoot returned %d, want 413: %s", w.Code, w.Body.String())
	}
}

func TestConvertEndpoint_Undecodable(t *testing.T) {
	handler := testSetup(t, DefaultConfig())
	if w := post(t, handler, "", []byte("not an image")); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("undecodable returned %d, want 422", w.Code)
	}
}

func TestConvertEndpoint_RateLimited(t *testing.T) {
	handler := testSetup(t, Config{ConvertRate: 0.001, ConvertBurst: 1})
	data := makePNG(4, 4)
	if w := post(t, handler, "", data); w.Code != http.StatusOK {
		t.Fatalf("first convert returned %d", w.Code)
	}
	if w := post(t, handler, "", data); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second convert returned %d, want 429", w.Code)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	handler := testSetup(t, DefaultConfig())
	w := post(t, handler, "", makePNG(24, 12))
	hash := w.Header().Get("X-Pixtext-Hash")

	w = get(t, handler, "/api/preview/"+hash+"?width=48")
	if w.Code != http.StatusOK {
		t.Fatalf("preview returned %d, want 200", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/webp" {
		t.Fatalf("content-type = %q, want image/webp", w.Header().Get("Content-Type"))
	}
	img, err := webp.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 48 || b.Dy() != 24 {
		t.Fatalf("preview %dx%d, want 48x24", b.Dx(), b.Dy())
	}
}

func TestEncodingEndpoint_NotFound(t *testing.T) {
	handler := testSetup(t, DefaultConfig())

	// Use a valid hex hash that doesn't exist on disk.
	if w := get(t, handler, "/api/encoding/deadbeef00112233"); w.Code != http.StatusNotFound {
		t.Fatalf("missing encoding returned %d, want 404", w.Code)
	}
}

func TestEncodingEndpoint_InvalidHash(t *testing.T) {
	handler := testSetup(t, DefaultConfig())

	// Non-hex characters should be rejected.
	if w := get(t, handler, "/api/encoding/ZZZZ_invalid"); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid hash returned %d, want 400", w.Code)
	}
}

func TestConversionsEndpoint_BadLimit(t *testing.T) {
	handler := testSetup(t, DefaultConfig())
	if w := get(t, handler, "/api/conversions?limit=0"); w.Code != http.StatusBadRequest {
		t.Fatalf("limit=0 returned %d, want 400", w.Code)
	}
}

func TestConvertEndpoint_OversizedHeader(t *testing.T) {
	handler := testSetup(t, DefaultConfig())

	// Signature and IHDR declaring 20000x20000 gray, no pixel data.
	ihdr := make([]byte, 25)
	binary.BigEndian.PutUint32(ihdr[0:4], 13)
	copy(ihdr[4:8], "IHDR")
	binary.BigEndian.PutUint32(ihdr[8:12], 20000)
	binary.BigEndian.PutUint32(ihdr[12:16], 20000)
	ihdr[16] = 8
	binary.BigEndian.PutUint32(ihdr[21:25], crc32.ChecksumIEEE(ihdr[4:21]))
	body := append([]byte("\x89PNG\r\n\x1a\n"), ihdr...)

	if w := post(t, handler, "", body); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("oversized image returned %d, want 422", w.Code)
	}
}

func TestConvertEndpoint_BodyReadError(t *testing.T) {
	handler := testSetup(t, DefaultConfig())

	req := httptest.NewRequest("POST", "/api/convert", iotest.ErrReader(errors.New("connection reset")))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("broken body returned %d, want 400", w.Code)
	}
}

func TestConvertEndpoint_BodyTooLarge(t *testing.T) {
	handler := testSetup(t, DefaultConfig())

	body := io.LimitReader(zeros{}, ingest.MaxSourceBytes+1)
	req := httptest.NewRequest("POST", "/api/convert", body)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body returned %d, want 413", w.Code)
	}
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

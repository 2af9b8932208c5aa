package fingerprint

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compute(t *testing.T, r *http.Request) string {
	t.Helper()
	fp, err := Compute(r, Options{})
	require.NoError(t, err)
	return fp
}

func jsonRequest(path, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestComputeDeterministic(t *testing.T) {
	a := compute(t, jsonRequest("/v1/orders", `{"message":"x"}`))
	b := compute(t, jsonRequest("/v1/orders", `{"message":"x"}`))

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Regexp(t, "^[a-f0-9]{64}$", a)
}

func TestComputeDistinguishes(t *testing.T) {
	base := compute(t, jsonRequest("/v1/orders", `{"message":"x"}`))

	assert.NotEqual(t, base, compute(t, jsonRequest("/v1/orders", `{"message":"y"}`)), "body")
	assert.NotEqual(t, base, compute(t, jsonRequest("/v1/refunds", `{"message":"x"}`)), "path")
}

func TestComputeRestoresBody(t *testing.T) {
	r := jsonRequest("/v1/orders", `{"message":"x"}`)
	compute(t, r)

	got, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"message":"x"}`, string(got))

	rc, err := r.GetBody()
	require.NoError(t, err)
	again, _ := io.ReadAll(rc)
	assert.Equal(t, `{"message":"x"}`, string(again))
}

func TestComputeNoBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
	fp := compute(t, r)
	assert.Len(t, fp, 64)
}

func TestComputeBodyTooLarge(t *testing.T) {
	r := jsonRequest("/v1/orders", strings.Repeat("a", 100))
	_, err := Compute(r, Options{MaxBodyBytes: 10})
	require.ErrorIs(t, err, ErrBodyTooLarge)

	// the consumed prefix is handed back
	got, _ := io.ReadAll(r.Body)
	assert.Len(t, got, 100)
}

func TestComputeURLEncodedIsNormalized(t *testing.T) {
	form := func(body string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return r
	}

	a := compute(t, form("b=2&a=1"))
	b := compute(t, form("a=1&b=2"))
	c := compute(t, form("a=1&b=3"))

	assert.Equal(t, a, b, "field order must not matter")
	assert.NotEqual(t, a, c)
}

func multipartRequest(t *testing.T, boundary string, fields map[string]string, files map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.SetBoundary(boundary))
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := w.CreateFormFile("upload", name)
		require.NoError(t, err)
		_, _ = fw.Write([]byte(content))
	}
	require.NoError(t, w.Close())

	r := httptest.NewRequest(http.MethodPost, "/v1/documents", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())
	return r
}

func TestComputeMultipartIgnoresBoundary(t *testing.T) {
	fields := map[string]string{"title": "invoice"}
	files := map[string]string{"a.pdf": "%PDF-1.7 ..."}

	a := compute(t, multipartRequest(t, "boundary-one", fields, files))
	b := compute(t, multipartRequest(t, "boundary-two", fields, files))
	assert.Equal(t, a, b)

	c := compute(t, multipartRequest(t, "boundary-one", fields, map[string]string{"a.pdf": "%PDF-1.7 changed"}))
	assert.NotEqual(t, a, c, "file content must matter")

	d := compute(t, multipartRequest(t, "boundary-one", map[string]string{"title": "receipt"}, files))
	assert.NotEqual(t, a, d, "field values must matter")
}

func TestComputeMalformedMultipartFallsBackToRaw(t *testing.T) {
	mk := func(body string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(body))
		r.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
		return r
	}

	a := compute(t, mk("garbage"))
	b := compute(t, mk("garbage!"))
	assert.NotEqual(t, a, b)
}

func TestWriteFieldLengthPrefix(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide
	a := jsonRequest("/ab", "c")
	b := jsonRequest("/a", "bc")
	assert.NotEqual(t, compute(t, a), compute(t, b))
}

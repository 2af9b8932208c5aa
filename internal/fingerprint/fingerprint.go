// Package fingerprint computes a digest of the parts of an HTTP request that
// identify it as one logical operation: path, body, form fields and files.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

// ErrBodyTooLarge is returned when the body exceeds Options.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("fingerprint: request body too large")

// DefaultMaxBodyBytes is the buffering limit used when Options leaves it unset.
const DefaultMaxBodyBytes = 10 << 20

type Options struct {
	MaxBodyBytes int64
}

// Compute buffers the request body once, restores it so handlers can still
// read it, and returns the hex SHA-256 fingerprint of the request.
//
// URL-encoded and multipart bodies are hashed in normalized form (fields
// sorted by name, file parts by content) so that encoder differences such as
// multipart boundaries do not change the fingerprint. Other bodies are hashed
// byte for byte.
func Compute(r *http.Request, opts Options) (string, error) {
	body, err := bufferBody(r, opts.maxBodyBytes())
	if err != nil {
		return "", err
	}

	h := sha256.New()
	writeField(h, "path", r.URL.Path)

	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/x-www-form-urlencoded" && hashURLEncoded(h, body):
	case mediaType == "multipart/form-data" && params["boundary"] != "" && hashMultipart(h, body, params["boundary"]):
	default:
		writeField(h, "body", string(body))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (o Options) maxBodyBytes() int64 {
	if o.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return o.MaxBodyBytes
}

type bufferedBody struct {
	*bytes.Reader
	io.Closer
}

// bufferBody reads the whole body and swaps in a re-readable copy.
func bufferBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	orig := r.Body
	body, err := io.ReadAll(io.LimitReader(orig, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		// hand back what was consumed so the caller can still reject cleanly
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), orig), orig}
		return nil, ErrBodyTooLarge
	}

	r.Body = bufferedBody{Reader: bytes.NewReader(body), Closer: orig}
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	r.ContentLength = int64(len(body))
	return body, nil
}

func hashURLEncoded(h hash.Hash, body []byte) bool {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return false
	}
	writeValues(h, "form", values)
	return true
}

// hashMultipart hashes fields sorted by name and files in the order sent.
// A file part that cannot be read completely is represented by its
// (filename, length, field name) descriptor. Returns false if the body is
// not valid multipart, in which case the caller hashes raw bytes.
func hashMultipart(h hash.Hash, body []byte, boundary string) bool {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	fields := url.Values{}
	files := sha256.New()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false
		}

		name, filename := part.FormName(), part.FileName()
		if filename == "" {
			value, err := io.ReadAll(part)
			if err != nil {
				return false
			}
			fields.Add(name, string(value))
			continue
		}

		content, err := io.ReadAll(part)
		if err != nil {
			writeField(files, "file-descriptor", filename, strconv.Itoa(len(content)), name)
			continue
		}
		writeField(files, "file", name, filename, string(content))
	}

	writeValues(h, "form", fields)
	writeField(h, "files", string(files.Sum(nil)))
	return true
}

func writeValues(h hash.Hash, tag string, values url.Values) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writeField(h, tag, strconv.Itoa(len(keys)))
	for _, k := range keys {
		writeField(h, tag+"-field", append([]string{k}, values[k]...)...)
	}
}

// writeField writes tag and parts with length prefixes so that distinct
// inputs can never produce the same byte stream.
func writeField(h hash.Hash, tag string, parts ...string) {
	var n [binary.MaxVarintLen64]byte
	write := func(s string) {
		h.Write(n[:binary.PutUvarint(n[:], uint64(len(s)))])
		io.WriteString(h, s)
	}
	write(tag)
	h.Write(n[:binary.PutUvarint(n[:], uint64(len(parts)))])
	for _, p := range parts {
		write(p)
	}
}

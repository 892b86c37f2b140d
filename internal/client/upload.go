package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"

	"github.com/inercia/marketchat/internal/chat"
)

// UploadFile is one file of an upload request.
type UploadFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// ReadUploadFile reads a local file for upload, guessing its MIME type from
// the extension.
func ReadUploadFile(path string) (UploadFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UploadFile{}, fmt.Errorf("read upload file: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return UploadFile{Name: filepath.Base(path), MimeType: mimeType, Data: data}, nil
}

// ProgressFunc receives the number of request body bytes sent so far and the
// total body size.
type ProgressFunc func(sent, total int64)

// UploadFiles uploads files in a single multipart request and returns the
// attachments the server created for them. A positive duration marks the
// upload as a voice recording of that many seconds. onProgress may be nil.
func (c *Client) UploadFiles(ctx context.Context, files []UploadFile, duration float64, onProgress ProgressFunc) ([]chat.Attachment, error) {
	const op = "upload files"
	if len(files) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "files",
			"filename": f.Name,
		}))
		if f.MimeType != "" {
			h.Set("Content-Type", f.MimeType)
		}
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if duration > 0 {
		if err := w.WriteField("duration", strconv.FormatFloat(duration, 'f', -1, 64)); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	total := int64(buf.Len())
	var body io.Reader = &buf
	if onProgress != nil {
		body = &progressReader{r: &buf, total: total, fn: onProgress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("/uploads"), body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.send(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(op, resp)
	}

	var out struct {
		Attachments []chat.Attachment `json:"attachments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	return out.Attachments, nil
}

// progressReader reports how much of the body has been read.
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
)

const (
	categoryHeader = "X-Archive-Category"
	contentType    = "application/octet-stream"
)

// HTTP uploads archived files with PUT <server>/<name>.
type HTTP struct {
	baseURL *url.URL
	client  *http.Client
	exclude excludes
}

func NewHTTP(serverURL string, exclude []string) (*HTTP, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the archive url with a scheme, e.g. `http://some-url.com/archive`")
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	return &HTTP{
		baseURL: parsedURL,
		client:  &http.Client{},
		exclude: exclude,
	}, nil
}

func (s *HTTP) Archive(ctx context.Context, name, srcPath, category string) error {
	if s.exclude.has(category) {
		return nil
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	u := *s.baseURL
	u.Path = s.baseURL.Path + path.Clean("/"+name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(categoryHeader, category)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := decodeArchiveResponse(resp); err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	slog.DebugContext(ctx, "file archived", "sink", "http", "url", u.String(), "category", category)
	return nil
}

func decodeArchiveResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if err != nil || ct != "application/problem+json" {
			break
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, string(respBody))
}

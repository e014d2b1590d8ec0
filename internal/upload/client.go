// Package upload publishes clips to the destination platform's HTTP upload
// endpoint.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"clip_relay/internal/domain"
	"clip_relay/internal/transport"
)

type Config struct {
	Endpoint string
}

type Client struct {
	endpoint string
	clients  *transport.Clients
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		// per-call deadlines come from the caller's context
		clients: transport.NewClients(0),
		logger:  logger.With("component", "upload"),
	}
}

type response struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// Upload streams one clip to the endpoint using the account session.
func (c *Client) Upload(ctx context.Context, clip domain.Clip, session domain.Session, proxy *domain.EgressIdentity) (domain.Receipt, error) {
	if c.endpoint == "" {
		return domain.Receipt{}, errors.New("upload endpoint is not configured")
	}

	f, err := os.Open(clip.Path)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, clip, f))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		pr.Close()
		return domain.Receipt{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", "ClipRelay/1.0")
	if session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+session.Token)
	}
	for name, value := range session.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := c.clients.For(proxy).Do(req)
	if err != nil {
		pr.Close()
		return domain.Receipt{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Receipt{}, &transport.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return domain.Receipt{}, fmt.Errorf("decode response: %w", err)
	}
	if r.ID == "" {
		return domain.Receipt{}, errors.New("upload response without id")
	}
	if r.PublishedAt.IsZero() {
		r.PublishedAt = time.Now().UTC()
	}

	c.logger.Debug("clip uploaded", "account_id", session.AccountID, "clip", clip.Index, "remote_id", r.ID)
	return domain.Receipt{RemoteID: r.ID, URL: r.URL, PublishedAt: r.PublishedAt}, nil
}

func writeForm(mw *multipart.Writer, clip domain.Clip, src io.Reader) error {
	if err := mw.WriteField("title", clip.Title); err != nil {
		return err
	}
	if err := mw.WriteField("part", strconv.Itoa(clip.Index)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("video", filepath.Base(clip.Path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

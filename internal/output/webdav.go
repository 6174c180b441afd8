package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const webdavRequestTimeout = 10 * time.Second

// WebDAVPlugin builds destinations that PUT files to a WebDAV endpoint
// (e.g. an object store exposing a WebDAV front end).
type WebDAVPlugin struct{}

// webdavPayload is the plugin-specific part of the POST /fetcher body.
type webdavPayload struct {
	Endpoint string `json:"endpoint"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Name implements Plugin.
func (WebDAVPlugin) Name() string { return "webdav" }

// CreateOutputDestination implements Plugin. It validates that the payload
// names a reachable-looking HTTP endpoint; credential or payload errors fail
// session creation.
func (WebDAVPlugin) CreateOutputDestination(payload json.RawMessage, log *slog.Logger) (Destination, error) {
	var opts webdavPayload
	if err := json.Unmarshal(payload, &opts); err != nil {
		return nil, fmt.Errorf("webdav payload: %w", err)
	}
	if opts.Endpoint == "" {
		return nil, errors.New("webdav payload missing 'endpoint' parameter")
	}
	u, err := url.Parse(opts.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("webdav payload 'endpoint' is not a valid http(s) url: %q", opts.Endpoint)
	}
	return &webdavDestination{
		endpoint: strings.TrimSuffix(opts.Endpoint, "/"),
		username: opts.Username,
		password: opts.Password,
		client:   &http.Client{Timeout: webdavRequestTimeout},
		log:      log,
	}, nil
}

type webdavDestination struct {
	endpoint  string
	username  string
	password  string
	client    *http.Client
	log       *slog.Logger
	sessionID string
}

// AttachSessionID implements Destination.
func (d *webdavDestination) AttachSessionID(id string) {
	d.sessionID = id
}

// UploadMediaPlaylist implements Destination.
func (d *webdavDestination) UploadMediaPlaylist(ctx context.Context, up FileUpload) bool {
	ok := d.put(ctx, up)
	if !ok {
		d.log.Error("manifest upload failed",
			slog.String("session_id", d.sessionID),
			slog.String("file", up.FileName))
	}
	return ok
}

// UploadMediaSegment implements Destination.
func (d *webdavDestination) UploadMediaSegment(ctx context.Context, up FileUpload) bool {
	ok := d.put(ctx, up)
	if !ok {
		d.log.Error("segment upload failed",
			slog.String("session_id", d.sessionID),
			slog.String("file", up.FileName))
	}
	return ok
}

// DeleteMediaSegment implements SegmentDeleter.
func (d *webdavDestination) DeleteMediaSegment(ctx context.Context, fileName string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.endpoint+"/"+fileName, nil)
	if err != nil {
		return false
	}
	d.auth(req)
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Error("segment deletion failed",
			slog.String("session_id", d.sessionID),
			slog.String("file", fileName),
			slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	// 404 counts as deleted; the window already moved past it.
	ok := resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound
	if ok {
		d.log.Debug("deleted file",
			slog.String("session_id", d.sessionID),
			slog.String("file", fileName))
	}
	return ok
}

func (d *webdavDestination) put(ctx context.Context, up FileUpload) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.endpoint+"/"+up.FileName, bytes.NewReader(up.Data))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", up.ContentType)
	d.auth(req)
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Error("upload request failed",
			slog.String("session_id", d.sessionID),
			slog.String("file", up.FileName),
			slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.log.Error("destination rejected upload",
			slog.String("session_id", d.sessionID),
			slog.String("file", up.FileName),
			slog.Int("status", resp.StatusCode))
		return false
	}
	d.log.Debug("uploaded file",
		slog.String("session_id", d.sessionID),
		slog.String("file", up.FileName),
		slog.Int("bytes", len(up.Data)))
	return true
}

func (d *webdavDestination) auth(req *http.Request) {
	if d.username != "" {
		req.SetBasicAuth(d.username, d.password)
	}
}

package output

import (
	"context"
	"encoding/json"
	"log/slog"
)

// VoidPlugin builds destinations that accept every upload and discard it.
// Useful for smoke-testing a source without a real destination.
type VoidPlugin struct{}

// Name implements Plugin.
func (VoidPlugin) Name() string { return "void" }

// CreateOutputDestination implements Plugin. Any payload is accepted.
func (VoidPlugin) CreateOutputDestination(payload json.RawMessage, log *slog.Logger) (Destination, error) {
	return &voidDestination{log: log}, nil
}

type voidDestination struct {
	log       *slog.Logger
	sessionID string
}

func (d *voidDestination) AttachSessionID(id string) {
	d.sessionID = id
}

func (d *voidDestination) UploadMediaPlaylist(ctx context.Context, up FileUpload) bool {
	d.log.Info("void upload media playlist",
		slog.String("session_id", d.sessionID),
		slog.String("file", up.FileName),
		slog.Int("bytes", len(up.Data)))
	return true
}

func (d *voidDestination) UploadMediaSegment(ctx context.Context, up FileUpload) bool {
	d.log.Info("void upload media segment",
		slog.String("session_id", d.sessionID),
		slog.String("file", up.FileName),
		slog.Int("bytes", len(up.Data)))
	return true
}

func (d *voidDestination) DeleteMediaSegment(ctx context.Context, fileName string) bool {
	d.log.Info("void delete media segment",
		slog.String("session_id", d.sessionID),
		slog.String("file", fileName))
	return true
}

package twilio

import (
	"context"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// RecordingAPI is the slice of the REST client the archiver needs. Tests
// substitute a fake.
type RecordingAPI interface {
	Recordings(callSid string) ([]Recording, error)
	DeleteRecording(recordingSid string) error
	DownloadRecording(ctx context.Context, recordingSid, destDir string) (string, error)
}

// Uploader persists a local file to durable storage and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectName string) (string, error)
}

// Archiver handles recording-complete callbacks: it keeps the longest
// recording of a call, deletes the rest from the carrier, downloads the
// keeper, and uploads it to blob storage. Calls already handled are skipped,
// since the carrier may deliver the callback more than once.
type Archiver struct {
	logger   *logrus.Logger
	api      RecordingAPI
	uploader Uploader
	workDir  string

	mu        sync.Mutex
	processed map[string]bool
}

// NewArchiver creates a recording archiver writing temp files under workDir.
func NewArchiver(logger *logrus.Logger, apiClient RecordingAPI, uploader Uploader, workDir string) *Archiver {
	return &Archiver{
		logger:    logger,
		api:       apiClient,
		uploader:  uploader,
		workDir:   workDir,
		processed: make(map[string]bool),
	}
}

// Archive runs the pipeline for one call. Returns the durable URL of the
// archived recording, or empty when the call was already handled or has no
// recordings.
func (a *Archiver) Archive(ctx context.Context, callSid string) (string, error) {
	a.mu.Lock()
	if a.processed[callSid] {
		a.mu.Unlock()
		a.logger.WithField("call_sid", callSid).Debug("Recording already archived, skipping")
		return "", nil
	}
	a.processed[callSid] = true
	a.mu.Unlock()

	recordings, err := a.api.Recordings(callSid)
	if err != nil {
		a.forget(callSid)
		return "", err
	}
	if len(recordings) == 0 {
		a.logger.WithField("call_sid", callSid).Warn("No recordings found for call")
		return "", nil
	}

	keeper := recordings[0]
	for _, rec := range recordings[1:] {
		if rec.Duration > keeper.Duration {
			keeper = rec
		}
	}

	for _, rec := range recordings {
		if rec.Sid == keeper.Sid {
			continue
		}
		if err := a.api.DeleteRecording(rec.Sid); err != nil {
			a.logger.WithError(err).WithFields(logrus.Fields{
				"call_sid":      callSid,
				"recording_sid": rec.Sid,
			}).Warn("Failed to delete duplicate recording")
		}
	}

	localPath, err := a.api.DownloadRecording(ctx, keeper.Sid, a.workDir)
	if err != nil {
		a.forget(callSid)
		return "", err
	}
	defer os.Remove(localPath)

	url, err := a.uploader.Upload(ctx, localPath, callSid+".mp3")
	if err != nil {
		a.forget(callSid)
		return "", err
	}

	a.logger.WithFields(logrus.Fields{
		"call_sid":         callSid,
		"recording_sid":    keeper.Sid,
		"duration_seconds": keeper.Duration,
		"archive_url":      url,
	}).Info("Call recording archived")

	return url, nil
}

// forget re-arms a call after a failed attempt so a retried callback can
// succeed.
func (a *Archiver) forget(callSid string) {
	a.mu.Lock()
	delete(a.processed, callSid)
	a.mu.Unlock()
}

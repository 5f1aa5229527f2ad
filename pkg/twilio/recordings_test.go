package twilio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecordingAPI struct {
	mu         sync.Mutex
	recordings []Recording
	listErr    error
	deleted    []string
	downloaded []string
}

func (f *fakeRecordingAPI) Recordings(callSid string) ([]Recording, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.recordings, nil
}

func (f *fakeRecordingAPI) DeleteRecording(recordingSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, recordingSid)
	return nil
}

func (f *fakeRecordingAPI) DownloadRecording(ctx context.Context, recordingSid, destDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloaded = append(f.downloaded, recordingSid)
	path := filepath.Join(destDir, recordingSid+".mp3")
	if err := os.WriteFile(path, []byte("audio"), 0644); err != nil {
		return "", err
	}
	return path, nil
}

type fakeUploader struct {
	mu       sync.Mutex
	uploaded []string
	err      error
}

func (f *fakeUploader) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, objectName)
	return "gcs://recordings/" + objectName, nil
}

func newTestArchiver(t *testing.T, apiClient RecordingAPI, uploader Uploader) *Archiver {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewArchiver(logger, apiClient, uploader, t.TempDir())
}

func TestArchiveKeepsLongestRecording(t *testing.T) {
	apiClient := &fakeRecordingAPI{
		recordings: []Recording{
			{Sid: "RE1", Duration: 5},
			{Sid: "RE2", Duration: 120},
			{Sid: "RE3", Duration: 30},
		},
	}
	uploader := &fakeUploader{}
	archiver := newTestArchiver(t, apiClient, uploader)

	url, err := archiver.Archive(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, "gcs://recordings/CA1.mp3", url)

	assert.ElementsMatch(t, []string{"RE1", "RE3"}, apiClient.deleted)
	assert.Equal(t, []string{"RE2"}, apiClient.downloaded)
	assert.Equal(t, []string{"CA1.mp3"}, uploader.uploaded)
}

func TestArchiveDeduplicatesCallbacks(t *testing.T) {
	apiClient := &fakeRecordingAPI{recordings: []Recording{{Sid: "RE1", Duration: 10}}}
	uploader := &fakeUploader{}
	archiver := newTestArchiver(t, apiClient, uploader)

	_, err := archiver.Archive(context.Background(), "CA1")
	require.NoError(t, err)

	// Second callback for the same call is a no-op
	url, err := archiver.Archive(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Empty(t, url)
	assert.Len(t, apiClient.downloaded, 1)
}

func TestArchiveNoRecordings(t *testing.T) {
	archiver := newTestArchiver(t, &fakeRecordingAPI{}, &fakeUploader{})

	url, err := archiver.Archive(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestArchiveRetriesAfterFailure(t *testing.T) {
	apiClient := &fakeRecordingAPI{recordings: []Recording{{Sid: "RE1", Duration: 10}}}
	uploader := &fakeUploader{err: errors.New("bucket unavailable")}
	archiver := newTestArchiver(t, apiClient, uploader)

	_, err := archiver.Archive(context.Background(), "CA1")
	require.Error(t, err)

	// A retried callback gets another attempt once the failure clears
	uploader.err = nil
	url, err := archiver.Archive(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, "gcs://recordings/CA1.mp3", url)
}

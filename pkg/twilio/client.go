package twilio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	twiliogo "github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"voicebridge-server/pkg/errors"
)

// Config holds the REST credentials and call defaults.
type Config struct {
	AccountSid string
	AuthToken  string
	FromNumber string

	// PublicHost is the externally reachable host used to build webhook and
	// media-stream URLs, e.g. "bridge.example.com".
	PublicHost string
}

// Recording describes one carrier-side call recording.
type Recording struct {
	Sid      string
	CallSid  string
	Duration int // seconds
}

// CallDetails is the subset of carrier call state the service cares about.
type CallDetails struct {
	Sid       string
	Status    string
	To        string
	From      string
	StartTime string
	EndTime   string
}

// Client wraps the Twilio REST API for call placement and recording
// management.
type Client struct {
	logger *logrus.Logger
	config Config
	rest   *twiliogo.RestClient
	http   *http.Client
}

// NewClient creates a REST client from explicit credentials.
func NewClient(logger *logrus.Logger, cfg Config) (*Client, error) {
	if cfg.AccountSid == "" || cfg.AuthToken == "" {
		return nil, errors.NewInvalidInput("Twilio account SID and auth token are required")
	}

	rest := twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
		Username: cfg.AccountSid,
		Password: cfg.AuthToken,
	})

	return &Client{
		logger: logger,
		config: cfg,
		rest:   rest,
		http:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// PlaceCall originates an outbound call whose TwiML connects the answered
// leg to our media-stream endpoint. The display name travels as a custom
// parameter so the bridge can greet the callee by name.
func (c *Client) PlaceCall(to, displayName string) (string, error) {
	wssURL := fmt.Sprintf("wss://%s/media-stream", c.config.PublicHost)
	params := map[string]string{}
	if displayName != "" {
		params["name"] = displayName
	}

	twiml, err := StreamTwiML(wssURL, params, "")
	if err != nil {
		return "", errors.Wrap(err, "failed to build outbound TwiML")
	}

	callParams := &api.CreateCallParams{}
	callParams.SetTo(to)
	callParams.SetFrom(c.config.FromNumber)
	callParams.SetTwiml(string(twiml))
	callParams.SetRecord(true)
	callParams.SetRecordingStatusCallback(fmt.Sprintf("https://%s/twilio/recording-complete", c.config.PublicHost))
	callParams.SetStatusCallback(fmt.Sprintf("https://%s/twilio/call-status", c.config.PublicHost))

	resp, err := c.rest.Api.CreateCall(callParams)
	if err != nil {
		return "", errors.Wrap(err, "failed to place outbound call", map[string]interface{}{
			"to": to,
		})
	}

	callSid := ""
	if resp.Sid != nil {
		callSid = *resp.Sid
	}

	c.logger.WithFields(logrus.Fields{
		"call_sid": callSid,
		"to":       to,
	}).Info("Outbound call placed")

	return callSid, nil
}

// Recordings lists all recordings for a call.
func (c *Client) Recordings(callSid string) ([]Recording, error) {
	params := &api.ListRecordingParams{}
	params.SetCallSid(callSid)

	resp, err := c.rest.Api.ListRecording(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recordings", map[string]interface{}{
			"call_sid": callSid,
		})
	}

	recordings := make([]Recording, 0, len(resp))
	for _, r := range resp {
		rec := Recording{CallSid: callSid}
		if r.Sid != nil {
			rec.Sid = *r.Sid
		}
		if r.Duration != nil {
			rec.Duration, _ = strconv.Atoi(*r.Duration)
		}
		recordings = append(recordings, rec)
	}
	return recordings, nil
}

// DeleteRecording removes one recording from the carrier.
func (c *Client) DeleteRecording(recordingSid string) error {
	if err := c.rest.Api.DeleteRecording(recordingSid, &api.DeleteRecordingParams{}); err != nil {
		return errors.Wrap(err, "failed to delete recording", map[string]interface{}{
			"recording_sid": recordingSid,
		})
	}
	return nil
}

// DownloadRecording fetches a recording's MP3 media into destDir and returns
// the local path.
func (c *Client) DownloadRecording(ctx context.Context, recordingSid, destDir string) (string, error) {
	url := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Recordings/%s.mp3",
		c.config.AccountSid, recordingSid)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.config.AccountSid, c.config.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to download recording media", map[string]interface{}{
			"recording_sid": recordingSid,
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New("recording media request failed", map[string]interface{}{
			"recording_sid": recordingSid,
			"status":        resp.StatusCode,
		})
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}

	localPath := filepath.Join(destDir, recordingSid+".mp3")
	out, err := os.Create(localPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(localPath)
		return "", errors.Wrap(err, "failed to write recording to disk")
	}

	return localPath, nil
}

// FetchCallDetails retrieves carrier-side call state.
func (c *Client) FetchCallDetails(callSid string) (*CallDetails, error) {
	resp, err := c.rest.Api.FetchCall(callSid, &api.FetchCallParams{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch call details", map[string]interface{}{
			"call_sid": callSid,
		})
	}

	details := &CallDetails{Sid: callSid}
	if resp.Status != nil {
		details.Status = *resp.Status
	}
	if resp.To != nil {
		details.To = *resp.To
	}
	if resp.From != nil {
		details.From = *resp.From
	}
	if resp.StartTime != nil {
		details.StartTime = *resp.StartTime
	}
	if resp.EndTime != nil {
		details.EndTime = *resp.EndTime
	}
	return details, nil
}

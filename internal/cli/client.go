package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/iot-deployer/internal/availability"
	"github.com/ChuLiYu/iot-deployer/internal/controller"
	apperrors "github.com/ChuLiYu/iot-deployer/internal/errors"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

// apiClient reads a running deployer's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// apiAddr is flag, or the local API port from the config.
func apiAddr(flag string, cfg *Config) string {
	if flag != "" {
		return flag
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e apperrors.HTTPErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error.Message != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) status(ctx context.Context) (controller.Status, error) {
	var s controller.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &s)
	return s, err
}

func (c *apiClient) jobs(ctx context.Context, path, user string) ([]types.Job, error) {
	if user != "" {
		path += "?userId=" + url.QueryEscape(user)
	}
	var jobs []types.Job
	err := c.do(ctx, http.MethodGet, path, nil, &jobs)
	return jobs, err
}

func (c *apiClient) availability(ctx context.Context) ([]availability.Slot, error) {
	var slots []availability.Slot
	err := c.do(ctx, http.MethodPost, "/api/check-availability", []byte(`{}`), &slots)
	return slots, err
}

func printJobs(w io.Writer, jobs []types.Job) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tUSER\tDEVICE\tFOLDER\tSTART\tDURATION\tSTATUS\tATTEMPTS")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%ds\t%s\t%d\n",
			j.ID, j.UserID, j.DeviceID, j.FolderName,
			j.StartTime.Local().Format(time.DateTime), j.Duration, j.Status, j.Attempt)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d job(s)\n", len(jobs))
	return nil
}

func printSlots(w io.Writer, slots []availability.Slot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tFREE AT")
	for _, s := range slots {
		fmt.Fprintf(tw, "%s\t%s\n", s.DeviceID, s.FreeAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// Package mixpanel is the event-analytics collaborator client, wrapping
// the export and property-values APIs with the shared retry behaviour.
package mixpanel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/revops-tools/kpisync/pkg/clients"
	"github.com/revops-tools/kpisync/pkg/kpierrors"
	"github.com/revops-tools/kpisync/pkg/metrics"
)

const (
	defaultPropertyLimit = 100000
	// lines past this are discarded, not surfaced as stream errors
	maxLineBytes = 1 << 20

	streamBufferSize = 64 * 1024
)

// Config configures the event-analytics connector.
type Config struct {
	ServiceAccount string
	ServiceSecret  string
	ProjectID      string
	ExportURL      string
	PropertyURL    string
}

// Connector talks to the export and property APIs.
type Connector struct {
	config Config
	client *clients.RequestClient
	logger *zap.Logger
}

// New creates a connector. Credentials are validated here so a missing
// secret fails before any network call.
func New(cfg Config, client *clients.RequestClient, logger *zap.Logger) (*Connector, error) {
	if cfg.ServiceAccount == "" || cfg.ServiceSecret == "" || cfg.ProjectID == "" {
		return nil, kpierrors.New(kpierrors.ErrorTypeConfig,
			"service account, secret and project id are required")
	}
	if cfg.ExportURL == "" || cfg.PropertyURL == "" {
		return nil, kpierrors.New(kpierrors.ErrorTypeConfig, "export and property URLs are required")
	}

	return &Connector{
		config: cfg,
		client: client,
		logger: logger.With(zap.String("connector", "mixpanel")),
	}, nil
}

// PropertyValues returns the distinct values recorded for an event
// property, filtering out empty and unattributable sentinels. Used to
// pre-seed the set of known entities before aggregation.
func (c *Connector) PropertyValues(ctx context.Context, propertyName string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultPropertyLimit
	}

	query := url.Values{}
	query.Set("project_id", c.config.ProjectID)
	query.Set("name", propertyName)
	query.Set("limit", strconv.Itoa(limit))

	resp, err := c.client.Do(ctx, &clients.Request{
		Method:    http.MethodGet,
		URL:       c.config.PropertyURL,
		Query:     query,
		BasicAuth: c.basicAuth(),
	})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, kpierrors.Newf(kpierrors.ErrorTypeConnection,
			"property values request failed for %s", propertyName).
			WithDetail("status_code", resp.StatusCode).
			WithDetail("response", string(resp.Body))
	}

	var raw []interface{}
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}

	values := make([]string, 0, len(raw))
	for _, v := range raw {
		if v == nil {
			continue
		}
		s := stringify(v)
		if s == "" || s == "UNKNOWN" {
			continue
		}
		values = append(values, s)
	}

	c.logger.Info("retrieved property values",
		zap.String("property", propertyName),
		zap.Int("values", len(values)))

	return values, nil
}

// ExportEvents streams events for the given names within the date range.
// The returned stream must be closed by the caller. Malformed lines are
// skipped individually without aborting the stream.
func (c *Connector) ExportEvents(ctx context.Context, eventNames []string, from, to time.Time) (*EventStream, error) {
	if len(eventNames) == 0 {
		return nil, kpierrors.New(kpierrors.ErrorTypeValidation, "event names must not be empty")
	}

	encodedNames, err := json.Marshal(eventNames)
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeData, "failed to encode event names")
	}

	query := url.Values{}
	query.Set("from_date", from.Format("2006-01-02"))
	query.Set("to_date", to.Format("2006-01-02"))
	query.Set("event", string(encodedNames))
	query.Set("project_id", c.config.ProjectID)

	body, err := c.client.Stream(ctx, &clients.Request{
		Method:    http.MethodGet,
		URL:       c.config.ExportURL,
		Query:     query,
		BasicAuth: c.basicAuth(),
	})
	if err != nil {
		return nil, err
	}

	return &EventStream{
		body:   body,
		reader: bufio.NewReaderSize(body, streamBufferSize),
		logger: c.logger,
	}, nil
}

func (c *Connector) basicAuth() *clients.BasicAuth {
	return &clients.BasicAuth{
		Username: c.config.ServiceAccount,
		Password: c.config.ServiceSecret,
	}
}

// ExportedEvent is one raw record from the export stream.
type ExportedEvent struct {
	Event      string                 `json:"event"`
	Properties map[string]interface{} `json:"properties"`
}

// StringProp returns a property stringified, or "" when absent or null.
func (e *ExportedEvent) StringProp(name string) string {
	v, ok := e.Properties[name]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

// InsertID returns the event's unique identifier, empty when the source
// omitted one.
func (e *ExportedEvent) InsertID() string {
	return e.StringProp("$insert_id")
}

// EventStream iterates line-delimited JSON event records lazily. It is
// potentially unbounded; callers consume it to completion or close early.
type EventStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	logger    *zap.Logger
	err       error
	done      bool
	malformed int
}

// Next returns the next well-formed event, or false when the stream is
// exhausted. Unparseable and oversized lines are counted and skipped.
func (s *EventStream) Next() (*ExportedEvent, bool) {
	for s.err == nil && !s.done {
		line, oversized, err := s.readLine()
		if err == io.EOF {
			s.done = true
		} else if err != nil {
			s.err = err
			return nil, false
		}

		if oversized {
			s.malformed++
			metrics.EventsProcessed.WithLabelValues("", "malformed").Inc()
			s.logger.Warn("skipping oversized export line")
			continue
		}
		if len(line) == 0 {
			continue
		}

		var ev ExportedEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			s.malformed++
			metrics.EventsProcessed.WithLabelValues("", "malformed").Inc()
			s.logger.Debug("skipping malformed export line", zap.Error(err))
			continue
		}
		return &ev, true
	}
	return nil, false
}

// readLine returns the next line without its terminator. A line longer
// than maxLineBytes is drained and flagged oversized instead of surfacing
// a stream error, so one huge record cannot wedge the whole export.
func (s *EventStream) readLine() (line []byte, oversized bool, err error) {
	for {
		frag, err := s.reader.ReadSlice('\n')
		if err == nil || err == io.EOF {
			if !oversized {
				line = append(line, frag...)
			}
			return bytes.TrimSuffix(line, []byte{'\n'}), oversized, err
		}
		if err != bufio.ErrBufferFull {
			return nil, oversized, err
		}
		if !oversized {
			line = append(line, frag...)
			if len(line) > maxLineBytes {
				line = nil
				oversized = true
			}
		}
	}
}

// Err returns the underlying read error, if any, once Next returned false.
func (s *EventStream) Err() error {
	return s.err
}

// Malformed returns the number of lines skipped as unparseable.
func (s *EventStream) Malformed() int {
	return s.malformed
}

// Close releases the underlying response body.
func (s *EventStream) Close() error {
	return s.body.Close()
}

// stringify renders a JSON scalar the way the upstream would display it;
// integral floats lose their decimal point so ids survive round-tripping.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

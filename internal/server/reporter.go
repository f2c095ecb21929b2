package server

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/errorreporting"
	"google.golang.org/api/option"

	"github.com/khwj/personal-analytics/internal/logger"
)

// ErrorReporter receives failures that need operator attention
type ErrorReporter interface {
	Report(err error, req *http.Request)
	Close() error
}

// LogReporter only logs
type LogReporter struct {
	log logger.Logger
}

func NewLogReporter(log logger.Logger) *LogReporter {
	return &LogReporter{log: log}
}

func (r *LogReporter) Report(err error, req *http.Request) {
	if req != nil {
		r.log.Errorf("%s %s: %v", req.Method, req.URL.Path, err)
		return
	}
	r.log.Errorf("%v", err)
}

func (r *LogReporter) Close() error { return nil }

// CloudReporter sends errors to Cloud Error Reporting and logs them
type CloudReporter struct {
	client *errorreporting.Client
	log    logger.Logger
}

// NewCloudReporter creates an Error Reporting client for project
func NewCloudReporter(ctx context.Context, project, service string, log logger.Logger, opts ...option.ClientOption) (*CloudReporter, error) {
	client, err := errorreporting.NewClient(ctx, project, errorreporting.Config{
		ServiceName: service,
		OnError: func(err error) {
			log.Warnf("Could not report error: %v", err)
		},
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create error reporting client: %w", err)
	}
	return &CloudReporter{client: client, log: log}, nil
}

func (r *CloudReporter) Report(err error, req *http.Request) {
	r.log.Errorf("%v", err)
	r.client.Report(errorreporting.Entry{Error: err, Req: req})
}

func (r *CloudReporter) Close() error {
	r.client.Flush()
	return r.client.Close()
}

package server

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/wolfeidau/doccache"
	"github.com/wolfeidau/doccache/convert"
	"github.com/wolfeidau/doccache/telemetry"
)

// instrumentedConverter wraps a Converter with conversion metrics.
type instrumentedConverter struct {
	next convert.Converter
}

var _ convert.Converter = (*instrumentedConverter)(nil)

func (c *instrumentedConverter) Convert(ctx context.Context, src string, format doccache.OutputFormat) (io.ReadCloser, error) {
	start := time.Now()

	out, err := c.next.Convert(ctx, src, format)

	outcome := "success"
	switch {
	case errors.Is(err, doccache.ErrConversionTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "fault"
	}

	ext := strings.ToLower(filepath.Ext(src))
	telemetry.RecordConversion(ctx, ext, string(format), time.Since(start), outcome)

	return out, err
}

func (c *instrumentedConverter) Version(ctx context.Context) (string, error) {
	return c.next.Version(ctx)
}

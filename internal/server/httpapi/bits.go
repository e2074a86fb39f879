package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// downloadBits streams a package version's payload, honoring a single
// "bytes=a-b" Range header. The underlying stream is closed on every exit
// path; a partial response carries 206 with the Content-Range header.
func (s *Server) downloadBits(c echo.Context) error {
	pvID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var sourceID int64
	if err := echo.QueryParamsBinder(c).Int64("source", &sourceID).BindError(); err != nil || sourceID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "source query parameter is required")
	}

	ctx := c.Request().Context()
	source, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		return s.fail(c, err)
	}
	pv, err := s.rm.Packages(s.db).GetPackageVersion(ctx, pvID)
	if err != nil {
		return s.fail(c, err)
	}

	start, end, partial, err := parseRangeHeader(c.Request().Header.Get("Range"), pv.FileSize)
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestedRangeNotSatisfiable, err.Error())
	}

	stream, err := s.loader.Open(ctx, source, pvID, start, end)
	if err != nil {
		return s.fail(c, err)
	}
	defer stream.Close()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, echo.MIMEOctetStream)
	h.Set("Content-Disposition", `attachment; filename="`+pv.FileName+`"`)
	h.Set("Accept-Ranges", "bytes")

	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
		last := end
		if last == -1 {
			last = pv.FileSize - 1
		}
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, last, pv.FileSize))
		h.Set(echo.HeaderContentLength, strconv.FormatInt(last-start+1, 10))
	} else if pv.FileSize > 0 {
		h.Set(echo.HeaderContentLength, strconv.FormatInt(pv.FileSize, 10))
	}

	c.Response().WriteHeader(status)
	if _, err := io.Copy(c.Response(), stream); err != nil {
		// Headers are gone; all we can do is log the broken transfer.
		s.log.Warn(ctx, "bits transfer aborted",
			"packageVersionID", pvID, "error", err)
	}
	return nil
}

// parseRangeHeader understands the single-range form "bytes=a-b" and the
// open-ended "bytes=a-". An absent header means the whole payload.
func parseRangeHeader(header string, size int64) (start, end int64, partial bool, err error) {
	if header == "" {
		return 0, -1, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false, fmt.Errorf("unsupported range %q", header)
	}
	fromStr, toStr, ok := strings.Cut(spec, "-")
	if !ok || fromStr == "" {
		return 0, 0, false, fmt.Errorf("unsupported range %q", header)
	}
	start, err = strconv.ParseInt(fromStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, fmt.Errorf("invalid range start %q", fromStr)
	}
	end = int64(-1)
	if toStr != "" {
		end, err = strconv.ParseInt(toStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, false, fmt.Errorf("invalid range end %q", toStr)
		}
		if size > 0 && end >= size {
			end = size - 1
		}
	}
	if size > 0 && start >= size {
		return 0, 0, false, fmt.Errorf("range start %d beyond size %d", start, size)
	}
	return start, end, true, nil
}

package dashboard

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/directory"
	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// DirectoryResponse is the response body for GET /api/v1/directory.
type DirectoryResponse struct {
	Snapshot string               `json:"snapshot"`
	Date     string               `json:"date"`
	Total    int                  `json:"total"`
	Count    int                  `json:"count"`
	Rows     []nppes.DirectoryRow `json:"rows"`
}

// load returns the current snapshot or an HTTP error: 503 when no snapshot
// exists, 500 when it cannot be read.
func (s *Server) load(c echo.Context) (directory.Snapshot, []nppes.DirectoryRow, error) {
	snap, rows, err := s.source.Load()
	if err == nil {
		return snap, rows, nil
	}
	ctx := c.Request().Context()
	if errors.Is(err, directory.ErrNotFound) {
		s.logger.Warn(ctx, "directory snapshot unavailable", zap.Error(err))
		return snap, nil, echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	s.logger.Error(ctx, "loading directory snapshot", zap.Error(err))
	return snap, nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load directory snapshot")
}

// handleDirectory returns the filtered rows.
func (s *Server) handleDirectory(c echo.Context) error {
	snap, rows, err := s.load(c)
	if err != nil {
		return err
	}
	filtered := ParseQuery(c.QueryParams()).Apply(rows)
	return c.JSON(http.StatusOK, DirectoryResponse{
		Snapshot: snapName(snap),
		Date:     snap.Date.Format(directory.DateLayout),
		Total:    len(rows),
		Count:    len(filtered),
		Rows:     filtered,
	})
}

// handleOptions returns the selectable filter values.
func (s *Server) handleOptions(c echo.Context) error {
	_, rows, err := s.load(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, OptionsFor(rows))
}

// handleExportCSV downloads the filtered view as CSV.
func (s *Server) handleExportCSV(c echo.Context) error {
	_, rows, err := s.load(c)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, ParseQuery(c.QueryParams()).Apply(rows)); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	return attachment(c, ExportName(s.source.now(), "csv"), mimeCSV, buf.Bytes())
}

// handleExportXLSX downloads the filtered view as a workbook.
func (s *Server) handleExportXLSX(c echo.Context) error {
	_, rows, err := s.load(c)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, ParseQuery(c.QueryParams()).Apply(rows)); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	return attachment(c, ExportName(s.source.now(), "xlsx"), mimeXLSX, buf.Bytes())
}

func attachment(c echo.Context, name, contentType string, body []byte) error {
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, contentType, body)
}

func snapName(snap directory.Snapshot) string {
	if snap.Path == "" {
		return ""
	}
	return filepath.Base(snap.Path)
}

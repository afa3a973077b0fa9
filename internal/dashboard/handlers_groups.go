package dashboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/groups"
	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// GroupsResponse is the response body for GET /api/v1/groups.
type GroupsResponse struct {
	Count       int                 `json:"count"`
	Assignments []groups.Assignment `json:"assignments"`
}

// AddGroupRequest is the request body for POST /api/v1/groups.
type AddGroupRequest struct {
	Group     string   `json:"group" form:"group"`
	NPIs      []string `json:"npis" form:"npi"`
	StartDate string   `json:"start_date" form:"start_date"`
	EndDate   string   `json:"end_date" form:"end_date"`
}

// NPIsRequest is the request body for DELETE /api/v1/groups.
type NPIsRequest struct {
	NPIs []string `json:"npis" form:"npi"`
}

// UpdateDatesRequest is the request body for PATCH /api/v1/groups/dates.
type UpdateDatesRequest struct {
	NPIs      []string `json:"npis" form:"npi"`
	StartDate string   `json:"start_date" form:"start_date"`
	EndDate   string   `json:"end_date" form:"end_date"`
}

// MutationResponse reports how many registry rows a mutation touched.
type MutationResponse struct {
	Rows int `json:"rows"`
}

// handleListGroups returns the registry, optionally narrowed to one group.
func (s *Server) handleListGroups(c echo.Context) error {
	rows, err := s.listGroups(c.Request().Context(), c.QueryParam("group"))
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []groups.Assignment{}
	}
	return c.JSON(http.StatusOK, GroupsResponse{Count: len(rows), Assignments: rows})
}

// handleAddGroup appends the selected directory entries to a group.
func (s *Server) handleAddGroup(c echo.Context) error {
	var req AddGroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := s.addGroup(c, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, MutationResponse{Rows: n})
}

// handleDeleteGroups removes every registry row for the given NPIs.
func (s *Server) handleDeleteGroups(c echo.Context) error {
	var req NPIsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := s.deleteGroups(c, req.NPIs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MutationResponse{Rows: n})
}

// handleUpdateDates sets the date range on every row for the given NPIs.
func (s *Server) handleUpdateDates(c echo.Context) error {
	var req UpdateDatesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := s.updateDates(c, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MutationResponse{Rows: n})
}

// handleExportGroups downloads the registry as CSV.
func (s *Server) handleExportGroups(c echo.Context) error {
	rows, err := s.listGroups(c.Request().Context(), c.QueryParam("group"))
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := groups.Encode(&buf, rows); err != nil {
		return fmt.Errorf("encoding groups: %w", err)
	}
	return attachment(c, "groups.csv", mimeCSV, buf.Bytes())
}

func (s *Server) listGroups(ctx context.Context, group string) ([]groups.Assignment, error) {
	rows, err := s.groups.List(ctx)
	if err != nil {
		s.logger.Error(ctx, "listing groups", zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to read group registry")
	}
	if group == "" {
		return rows, nil
	}
	out := rows[:0:0]
	for _, r := range rows {
		if r.GroupName == group {
			out = append(out, r)
		}
	}
	return out, nil
}

// addGroup resolves the pharmacy name of each NPI from the current snapshot
// and appends the assignments. Unknown NPIs reject the whole request.
func (s *Server) addGroup(c echo.Context, req AddGroupRequest) (int, error) {
	npis := cleanNPIs(req.NPIs)
	if len(npis) == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "select at least one pharmacy")
	}
	_, rows, err := s.load(c)
	if err != nil {
		return 0, err
	}

	byNPI := make(map[string]nppes.DirectoryRow, len(rows))
	for _, r := range rows {
		if _, ok := byNPI[r.NPI]; !ok {
			byNPI[r.NPI] = r
		}
	}

	var unknown []string
	assignments := make([]groups.Assignment, 0, len(npis))
	for _, npi := range npis {
		row, ok := byNPI[npi]
		if !ok {
			unknown = append(unknown, npi)
			continue
		}
		assignments = append(assignments, groups.ForRow(strings.TrimSpace(req.Group), row, req.StartDate, req.EndDate))
	}
	if len(unknown) > 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("not in the current directory: %s", strings.Join(unknown, ", ")))
	}

	if err := s.groups.Append(c.Request().Context(), assignments...); err != nil {
		return 0, s.mutationError(c, "adding to group", err)
	}
	return len(assignments), nil
}

func (s *Server) deleteGroups(c echo.Context, npis []string) (int, error) {
	npis = cleanNPIs(npis)
	if len(npis) == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "select at least one pharmacy")
	}
	n, err := s.groups.DeleteByNPI(c.Request().Context(), npis)
	if err != nil {
		return 0, s.mutationError(c, "deleting group rows", err)
	}
	return n, nil
}

func (s *Server) updateDates(c echo.Context, req UpdateDatesRequest) (int, error) {
	npis := cleanNPIs(req.NPIs)
	if len(npis) == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "select at least one pharmacy")
	}
	n, err := s.groups.UpdateDates(c.Request().Context(), npis, req.StartDate, req.EndDate)
	if err != nil {
		return 0, s.mutationError(c, "updating group dates", err)
	}
	return n, nil
}

func (s *Server) mutationError(c echo.Context, action string, err error) error {
	if errors.Is(err, groups.ErrInvalid) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Error(c.Request().Context(), action, zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "failed to update group registry")
}

func cleanNPIs(npis []string) []string {
	out := make([]string, 0, len(npis))
	seen := make(map[string]struct{}, len(npis))
	for _, n := range npis {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

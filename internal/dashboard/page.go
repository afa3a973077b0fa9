package dashboard

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"slices"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/groups"
	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// pageData feeds templates/index.html.
type pageData struct {
	Error    string
	Snapshot string
	Header   []string
	Rows     []nppes.DirectoryRow
	Options  Options
	Query    Query
	RawQuery template.URL
	Groups   []groups.Assignment
	Selected selection
}

// selection answers "is this option selected" for the template. With no
// explicit selection every option is shown as selected.
type selection struct {
	q Query
}

func (s selection) Taxonomy(code string) bool {
	return len(s.q.Taxonomy) == 0 || slices.Contains(s.q.Taxonomy, code)
}

func (s selection) State(state string) bool {
	return len(s.q.States) == 0 || slices.Contains(s.q.States, state)
}

// handleIndex renders the directory page. When the snapshot is missing the
// page shows only the error.
func (s *Server) handleIndex(c echo.Context) error {
	snap, rows, err := s.load(c)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return s.render(c, he.Code, pageData{Error: errorText(he)})
		}
		return err
	}

	q := ParseQuery(c.QueryParams())
	data := pageData{
		Snapshot: snapName(snap),
		Header:   nppes.DisplayHeader(),
		Rows:     q.Apply(rows),
		Options:  OptionsFor(rows),
		Query:    q,
		RawQuery: template.URL(c.QueryParams().Encode()),
		Selected: selection{q: q},
	}
	if data.Groups, err = s.listGroups(c.Request().Context(), ""); err != nil {
		return err
	}
	return s.render(c, http.StatusOK, data)
}

func (s *Server) render(c echo.Context, code int, data pageData) error {
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, data); err != nil {
		s.logger.Error(c.Request().Context(), "rendering page", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to render page")
	}
	return c.HTMLBlob(code, buf.Bytes())
}

// handleFormAdd is the HTML form counterpart of POST /api/v1/groups.
func (s *Server) handleFormAdd(c echo.Context) error {
	var req AddGroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid form")
	}
	if _, err := s.addGroup(c, req); err != nil {
		return err
	}
	return s.backToIndex(c)
}

// handleFormDelete is the HTML form counterpart of DELETE /api/v1/groups.
func (s *Server) handleFormDelete(c echo.Context) error {
	var req NPIsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid form")
	}
	if _, err := s.deleteGroups(c, req.NPIs); err != nil {
		return err
	}
	return s.backToIndex(c)
}

// handleFormDates is the HTML form counterpart of PATCH /api/v1/groups/dates.
func (s *Server) handleFormDates(c echo.Context) error {
	var req UpdateDatesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid form")
	}
	if _, err := s.updateDates(c, req); err != nil {
		return err
	}
	return s.backToIndex(c)
}

// backToIndex redirects to the page with the filters the form came from.
func (s *Server) backToIndex(c echo.Context) error {
	target := "/"
	if q, err := url.ParseQuery(c.FormValue("return")); err == nil && len(q) > 0 {
		target += "?" + q.Encode()
	}
	return c.Redirect(http.StatusSeeOther, target)
}

func errorText(he *echo.HTTPError) string {
	if msg, ok := he.Message.(string); ok {
		return msg
	}
	return http.StatusText(he.Code)
}

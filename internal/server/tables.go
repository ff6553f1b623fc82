package server

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/floegence/sqlagent/internal/tabular"
)

// uploadTables ingests every multipart "file" part as its own table.
func (s *Server) uploadTables(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form with file fields")
	}
	files := form.File["file"]
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no file fields in upload")
	}

	ctx := c.Request().Context()
	created := make([]tabular.TableSchema, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}
		schema, err := s.tables.IngestCSV(ctx, fh.Filename, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("ingest %s: %w", fh.Filename, err)
		}
		created = append(created, schema)
	}
	return c.JSON(http.StatusCreated, apiResp{OK: true, Data: map[string]any{"tables": created}})
}

func (s *Server) listTables(c echo.Context) error {
	list, err := s.tables.ListTables(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: map[string]any{"tables": list}})
}

func (s *Server) describeTable(c echo.Context) error {
	schema, err := s.tables.DescribeTable(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: schema})
}

func (s *Server) dropTable(c echo.Context) error {
	name := c.Param("name")
	if err := s.tables.DropTable(c.Request().Context(), name); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true})
}

func (s *Server) dropAllTables(c echo.Context) error {
	dropped, err := s.tables.DropAll(c.Request().Context())
	if err != nil {
		return err
	}
	s.log.Info("tables dropped", "count", len(dropped))
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: map[string]any{"dropped": dropped}})
}

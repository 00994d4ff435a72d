package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const redocPage = `<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>lexresearch API</title>
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <style>body{margin:0;padding:0;}</style>
  </head>
  <body>
    <div id="redoc"></div>
    <script src="https://cdn.jsdelivr.net/npm/redoc/bundles/redoc.standalone.js"></script>
    <script>Redoc.init('/api/openapi.yaml', {}, document.getElementById('redoc'))</script>
  </body>
</html>`

// registerDocs serves the OpenAPI file and a ReDoc page. Both stay outside
// the authenticated group.
func registerDocs(e *echo.Echo, path string) {
	if path == "" {
		path = "docs/openapi.yaml"
	}
	e.File("/api/openapi.yaml", path)
	e.GET("/api/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, redocPage)
	})
}

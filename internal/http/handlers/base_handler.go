// README: Base handler utilities (JSON helpers, error mapping, path ids).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/errs"
	"agrimarket/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts generated hex ids as well as external uids (letters, digits, '-' and '_').
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeServiceError maps a module error to its status; unclassified errors are hidden from clients.
func writeServiceError(c *gin.Context, err error) {
	if !errs.Public(err) {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(c, errs.HTTPStatus(err), err.Error())
}

// pathID reads and validates the :id parameter, writing a 400 when it is malformed.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return types.ID(id), true
}

// bindJSON decodes the body into v; an empty body leaves v untouched when optional is set.
func bindJSON(c *gin.Context, v any, optional bool) bool {
	if optional && c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

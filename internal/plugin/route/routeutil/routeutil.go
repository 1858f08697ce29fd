// Package routeutil holds the request helpers shared by the HTTP route plugins.
package routeutil

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/gin-gonic/gin"
)

// HandleError maps the store error taxonomy onto HTTP statuses.
func HandleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var pathConflict *registrystore.PathConflictError
	var constraint *registrystore.ConstraintError
	var conflict *registrystore.ConflictError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &pathConflict):
		c.JSON(http.StatusConflict, gin.H{"code": "path_conflict", "error": err.Error(), "path": pathConflict.Path})
	case errors.As(err, &constraint):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "constraint_violation", "error": err.Error()})
	case errors.As(err, &conflict):
		code := conflict.Code
		if code == "" {
			code = "conflict"
		}
		c.JSON(http.StatusConflict, gin.H{"code": code, "error": err.Error()})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// BadRequest writes a 400 for a body or parameter that could not be parsed.
func BadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
}

// ParamID parses the int64 path parameter name. On failure it writes a 400 and returns false.
func ParamID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid " + name, "field": name})
		return 0, false
	}
	return id, true
}

// ParamInt parses the int path parameter name. On failure it writes a 400 and returns false.
func ParamInt(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid " + name, "field": name})
		return 0, false
	}
	return v, true
}

// QueryInt returns the integer query parameter key, or def when absent or malformed.
func QueryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// QueryList splits repeated and comma-separated values of key.
func QueryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

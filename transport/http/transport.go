package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/kit/endpoint"

	"github.com/flarexio/docrag"
	"github.com/flarexio/docrag/backend"
)

// StatusCode maps a service error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, backend.ErrInvalidArgument),
		errors.Is(err, backend.ErrInvalidConfiguration),
		errors.Is(err, backend.ErrDimensionMismatch):
		return http.StatusBadRequest

	case errors.Is(err, backend.ErrCollectionNotFound):
		return http.StatusNotFound

	case errors.Is(err, backend.ErrPartialIngest):
		return http.StatusConflict

	case errors.Is(err, backend.ErrBackendUnavailable),
		errors.Is(err, backend.ErrNoBackendAvailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, status int, err error) {
	c.String(status, err.Error())
	c.Error(err)
	c.Abort()
}

func IngestHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req docrag.IngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}

		req.Collection = c.Param("name")

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, req)
		if err != nil {
			if errors.Is(err, backend.ErrPartialIngest) {
				c.Error(err)
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"error":  err.Error(),
					"result": resp,
				})
				return
			}

			abort(c, StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

func QueryHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req docrag.QueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}

		req.Collection = c.Param("name")

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, req)
		if err != nil {
			abort(c, StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

func ListCollectionsHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		resp, err := endpoint(ctx, nil)
		if err != nil {
			abort(c, StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

func StatsHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, name)
		if err != nil {
			abort(c, StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

func DeleteCollectionHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, name)
		if err != nil {
			abort(c, StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/haatos/merge-train/internal"
	"github.com/haatos/merge-train/internal/service"
	"github.com/haatos/merge-train/internal/testutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestHookHandler_PostPipelineHook(t *testing.T) {
	t.Run("success - passed pipeline triggers merge", func(t *testing.T) {
		// arrange
		ctx := context.Background()
		mockService := new(testutil.MockTrainService)
		mockService.On("OnPipelineStatus", ctx, int64(77), service.PipelinePassed).
			Return(service.MergeOutcomeMerged, nil)
		c, rec := newJSONContext(http.MethodPost, "/api/hooks/pipeline", `{"pipeline_id":77,"status":"passed"}`)
		h := NewHookHandler(mockService)

		// act
		err := h.PostPipelineHook(c)

		// assert
		assert.NoError(t, err)
		assert.JSONEq(t, `{"pipeline_id":77,"outcome":"merged"}`, rec.Body.String())
	})
	t.Run("failure - unknown status", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockTrainService)
		c, _ := newJSONContext(http.MethodPost, "/api/hooks/pipeline", `{"pipeline_id":77,"status":"green"}`)
		h := NewHookHandler(mockService)

		// act
		err := h.PostPipelineHook(c)

		// assert
		assertHTTPError(t, err, http.StatusBadRequest)
		mockService.AssertNotCalled(t, "OnPipelineStatus")
	})
}

func TestHookHandler_PostPushHook(t *testing.T) {
	t.Run("success - branch ref prefix is trimmed", func(t *testing.T) {
		// arrange
		ctx := context.Background()
		mockService := new(testutil.MockTrainService)
		mockService.On("OnTargetBranchAdvanced", ctx, int64(1), "main", "f00d").Return(3, nil)
		c, rec := newJSONContext(
			http.MethodPost, "/api/hooks/push",
			`{"project_id":1,"branch":"refs/heads/main","sha":"f00d"}`,
		)
		h := NewHookHandler(mockService)

		// act
		err := h.PostPushHook(c)

		// assert
		assert.NoError(t, err)
		assert.JSONEq(t, `{"outdated":3}`, rec.Body.String())
		mockService.AssertExpectations(t)
	})
	t.Run("failure - missing project", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockTrainService)
		c, _ := newJSONContext(http.MethodPost, "/api/hooks/push", `{"branch":"main"}`)
		h := NewHookHandler(mockService)

		// act
		err := h.PostPushHook(c)

		// assert
		assertHTTPError(t, err, http.StatusBadRequest)
	})
}

func TestWebhookKeyMiddleware(t *testing.T) {
	next := func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	}

	t.Run("success - matching key passes", func(t *testing.T) {
		// arrange
		c, rec := newJSONContext(http.MethodPost, "/api/hooks/push", "")
		c.Request().Header.Set(internal.WebhookKeyHeader, "secret")

		// act
		err := WebhookKeyMiddleware("secret")(next)(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
	t.Run("success - empty key disables the check", func(t *testing.T) {
		// arrange
		c, rec := newJSONContext(http.MethodPost, "/api/hooks/push", "")

		// act
		err := WebhookKeyMiddleware("")(next)(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
	t.Run("failure - wrong key is unauthorized", func(t *testing.T) {
		// arrange
		c, _ := newJSONContext(http.MethodPost, "/api/hooks/push", "")
		c.Request().Header.Set(internal.WebhookKeyHeader, "guess")

		// act
		err := WebhookKeyMiddleware("secret")(next)(c)

		// assert
		assertHTTPError(t, err, http.StatusUnauthorized)
	})
}

package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvote/api/internal/model"
)

func render(t *testing.T, err error) (int, ErrorResponse) {
	t.Helper()
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error { return FromError(c, err) })

	resp, testErr := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, testErr)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var out ErrorResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return resp.StatusCode, out
}

func TestFromError(t *testing.T) {
	status, out := render(t, model.ErrBundleActive.WithMessage("finish your bundle first"))
	assert.Equal(t, 409, status)
	assert.Equal(t, model.CodeBundleActive, out.Error.Code)
	assert.Equal(t, "finish your bundle first", out.Error.Message)

	status, out = render(t, fmt.Errorf("claim: %w", model.ErrNoTasks))
	assert.Equal(t, 404, status)
	assert.Equal(t, model.CodeNoTasks, out.Error.Code)
	assert.Equal(t, "Not Found", out.Error.Message)

	status, out = render(t, errors.New("pq: connection refused"))
	assert.Equal(t, 500, status)
	assert.Equal(t, model.CodeServerError, out.Error.Code)
	assert.NotContains(t, out.Error.Message, "pq")
}
